// Package roles maps principals to roles. Every grant and revoke is ADMIN-gated and audited
// on the "roles" stream.
package roles

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

// BootstrapPrincipal is the actor recorded on the bootstrap grant.
const BootstrapPrincipal models.Principal = "system:bootstrap"

// Store is the persistence the registry needs.
type Store interface {
	GrantRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error)
	RevokeRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error)
	HasRole(ctx context.Context, p models.Principal, role models.Role) (bool, error)
	RolesOf(ctx context.Context, p models.Principal) ([]models.Role, error)
}

type Registry struct {
	store Store
	locks lock.Locker
	clock clock.Clock
}

func NewRegistry(store Store, locks lock.Locker, clk clock.Clock) *Registry {
	return &Registry{store: store, locks: locks, clock: clk}
}

// Bootstrap grants ADMIN to the configured initializer. Safe to call on every start.
func (r *Registry) Bootstrap(ctx context.Context, admin models.Principal) error {
	if admin == "" {
		return errs.Validation("bootstrap", "admin principal required")
	}
	unlock, err := r.locks.Acquire(ctx, audit.StreamRoles)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer unlock()

	now, err := r.clock.Now(ctx)
	if err != nil {
		return err
	}
	changed, err := r.store.GrantRole(ctx, admin, models.RoleAdmin, audit.NewDraft(audit.StreamRoles, BootstrapPrincipal, now,
		audit.RoleGranted{Principal: admin, Role: models.RoleAdmin, By: BootstrapPrincipal}))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if changed {
		log.Printf("[roles] bootstrap admin %s granted", admin)
	}
	return nil
}

func (r *Registry) Grant(ctx context.Context, caller, p models.Principal, role models.Role) error {
	return r.change(ctx, "grantRole", caller, p, role, true)
}

func (r *Registry) Revoke(ctx context.Context, caller, p models.Principal, role models.Role) error {
	return r.change(ctx, "revokeRole", caller, p, role, false)
}

func (r *Registry) change(ctx context.Context, op string, caller, p models.Principal, role models.Role, grant bool) error {
	unlock, err := r.locks.Acquire(ctx, audit.StreamRoles)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	isAdmin, err := r.store.HasRole(ctx, caller, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !isAdmin {
		return errs.Authorization(op, "%s is not an admin", caller)
	}
	if p == "" {
		return errs.Validation(op, "principal required")
	}
	if !role.Valid() {
		return errs.Validation(op, "unknown role %q", role)
	}

	now, err := r.clock.Now(ctx)
	if err != nil {
		return err
	}
	var changed bool
	if grant {
		changed, err = r.store.GrantRole(ctx, p, role, audit.NewDraft(audit.StreamRoles, caller, now,
			audit.RoleGranted{Principal: p, Role: role, By: caller}))
	} else {
		changed, err = r.store.RevokeRole(ctx, p, role, audit.NewDraft(audit.StreamRoles, caller, now,
			audit.RoleRevoked{Principal: p, Role: role, By: caller}))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if changed {
		log.Printf("[roles] %s %s %s by %s", op, role, p, caller)
	}
	return nil
}

// HasRole reads the current assignment; there is no cache.
func (r *Registry) HasRole(ctx context.Context, p models.Principal, role models.Role) (bool, error) {
	return r.store.HasRole(ctx, p, role)
}

func (r *Registry) RolesOf(ctx context.Context, p models.Principal) ([]models.Role, error) {
	return r.store.RolesOf(ctx, p)
}

// CanApprove reports whether p currently holds a role that makes it an eligible approver.
func (r *Registry) CanApprove(ctx context.Context, p models.Principal) (bool, error) {
	for _, role := range []models.Role{models.RoleFaculty, models.RoleVerifier} {
		ok, err := r.store.HasRole(ctx, p, role)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
