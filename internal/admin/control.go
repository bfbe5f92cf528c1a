// Package admin holds the engine-wide pause switch and the document manager reference.
package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/clock"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/lock"
	"github.com/ILLUVRSE/docflow/internal/models"
)

// Setting keys.
const (
	KeyPaused             = "paused"
	KeyDocumentManagerRef = "document_manager_ref"
)

type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string, events ...audit.Draft) error
}

type RoleChecker interface {
	HasRole(ctx context.Context, p models.Principal, role models.Role) (bool, error)
}

// State is a point-in-time view of the admin settings.
type State struct {
	Paused             bool   `json:"paused"`
	DocumentManagerRef string `json:"documentManagerRef"`
}

// Control reads and writes the settings store on every call, so replicas sharing a
// store observe each other's pause and document manager changes immediately.
type Control struct {
	store SettingsStore
	roles RoleChecker
	locks lock.Locker
	clock clock.Clock
}

func NewControl(store SettingsStore, roles RoleChecker, locks lock.Locker, clk clock.Clock) *Control {
	return &Control{store: store, roles: roles, locks: locks, clock: clk}
}

func (c *Control) Paused(ctx context.Context) (bool, error) {
	v, _, err := c.store.GetSetting(ctx, KeyPaused)
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return v == "true", nil
}

func (c *Control) DocumentManagerRef(ctx context.Context) (string, error) {
	ref, _, err := c.store.GetSetting(ctx, KeyDocumentManagerRef)
	if err != nil {
		return "", fmt.Errorf("read document manager ref: %w", err)
	}
	return ref, nil
}

func (c *Control) State(ctx context.Context) (State, error) {
	paused, err := c.Paused(ctx)
	if err != nil {
		return State{}, err
	}
	ref, err := c.DocumentManagerRef(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Paused: paused, DocumentManagerRef: ref}, nil
}

func (c *Control) Pause(ctx context.Context, caller models.Principal) error {
	return c.setPaused(ctx, "pause", caller, true)
}

func (c *Control) Unpause(ctx context.Context, caller models.Principal) error {
	return c.setPaused(ctx, "unpause", caller, false)
}

// guard serializes admin mutations and checks the caller is an ADMIN.
func (c *Control) guard(ctx context.Context, op string, caller models.Principal) (func(), error) {
	unlock, err := c.locks.Acquire(ctx, audit.StreamAdmin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ok, err := c.roles.HasRole(ctx, caller, models.RoleAdmin)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		unlock()
		return nil, errs.Authorization(op, "%s is not an admin", caller)
	}
	return unlock, nil
}

func (c *Control) setPaused(ctx context.Context, op string, caller models.Principal, paused bool) error {
	unlock, err := c.guard(ctx, op, caller)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := c.Paused(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if current == paused {
		if paused {
			return errs.State(op, "engine already paused")
		}
		return errs.State(op, "engine not paused")
	}
	now, err := c.clock.Now(ctx)
	if err != nil {
		return err
	}
	var payload audit.Payload = audit.Unpaused{By: caller}
	if paused {
		payload = audit.Paused{By: caller}
	}
	value := "false"
	if paused {
		value = "true"
	}
	if err := c.store.PutSetting(ctx, KeyPaused, value, audit.NewDraft(audit.StreamAdmin, caller, now, payload)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Printf("[admin] %s by %s", op, caller)
	return nil
}

// SetDocumentManagerRef records the opaque reference of the external document manager.
func (c *Control) SetDocumentManagerRef(ctx context.Context, caller models.Principal, ref string) error {
	const op = "setDocumentManagerRef"
	unlock, err := c.guard(ctx, op, caller)
	if err != nil {
		return err
	}
	defer unlock()

	if ref == "" {
		return errs.Validation(op, "reference required")
	}
	now, err := c.clock.Now(ctx)
	if err != nil {
		return err
	}
	err = c.store.PutSetting(ctx, KeyDocumentManagerRef, ref,
		audit.NewDraft(audit.StreamAdmin, caller, now, audit.DocumentManagerUpdated{Ref: ref, By: caller}))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Printf("[admin] document manager set to %s by %s", ref, caller)
	return nil
}
