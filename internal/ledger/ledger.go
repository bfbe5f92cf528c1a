// Package ledger is the authoritative record of approval requests and the read-only
// index over them.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/store"
)

// Store is the persistence the ledger writes through.
type Store interface {
	InsertRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error
	GetRequest(ctx context.Context, id string) (models.ApprovalRequest, error)
	UpdateRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error
}

// Ledger maps request ids to requests. Only the engine mutates it.
type Ledger struct {
	store Store
}

func New(s Store) *Ledger {
	return &Ledger{store: s}
}

// Insert stores a new request together with its audit drafts. Each id is written once.
func (l *Ledger) Insert(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error {
	if err := checkShape(req); err != nil {
		return err
	}
	err := l.store.InsertRequest(ctx, req.Clone(), events...)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return errs.State("ledger.insert", "request %s already exists", req.ID)
	case err != nil:
		return fmt.Errorf("ledger insert %s: %w", req.ID, err)
	}
	return nil
}

// Get returns a deep copy of the stored request.
func (l *Ledger) Get(ctx context.Context, id string) (models.ApprovalRequest, error) {
	req, err := l.store.GetRequest(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.ApprovalRequest{}, errs.NotFound("ledger.get", "request %s not found", id)
	case err != nil:
		return models.ApprovalRequest{}, fmt.Errorf("ledger get %s: %w", id, err)
	}
	return req.Clone(), nil
}

// Update persists a transition of an existing request with its audit drafts.
func (l *Ledger) Update(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error {
	if err := checkShape(req); err != nil {
		return err
	}
	err := l.store.UpdateRequest(ctx, req.Clone(), events...)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.NotFound("ledger.update", "request %s not found", req.ID)
	case errors.Is(err, store.ErrConflict):
		return errs.State("ledger.update", "request %s was modified concurrently", req.ID)
	case err != nil:
		return fmt.Errorf("ledger update %s: %w", req.ID, err)
	}
	return nil
}

// checkShape enforces distinct approvers, requester not approving and one step per approver.
func checkShape(req models.ApprovalRequest) error {
	if req.ID == "" {
		return errs.Validation("ledger", "request id required")
	}
	seen := make(map[models.Principal]bool, len(req.Approvers))
	for _, a := range req.Approvers {
		if a == req.Requester {
			return errs.Validation("ledger", "requester %s cannot approve own request", a)
		}
		if seen[a] {
			return errs.Validation("ledger", "duplicate approver %s", a)
		}
		seen[a] = true
	}
	if len(req.Steps) != len(req.Approvers) {
		return errs.Validation("ledger", "%d steps for %d approvers", len(req.Steps), len(req.Approvers))
	}
	for i, s := range req.Steps {
		if s.Approver != req.Approvers[i] {
			return errs.Validation("ledger", "step %d belongs to %s, want %s", i, s.Approver, req.Approvers[i])
		}
	}
	return nil
}
