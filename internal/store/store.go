// Package store persists approval requests, their query index, role assignments, engine
// settings and the audit outbox. Each mutation and the audit events it causes are written
// atomically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/models"
)

var (
	// ErrNotFound is returned when a requested record cannot be located.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when inserting a request id that already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrConflict is returned when an update was computed from a stale read of the request.
	ErrConflict = errors.New("conflict")
)

// Dimension names a reverse index.
type Dimension string

const (
	ByRequester Dimension = "requester"
	ByApprover  Dimension = "approver"
	ByDocument  Dimension = "document"
)

// Store is implemented by MemoryStore and PGStore.
type Store interface {
	audit.Outbox

	// InsertRequest stores a new request, registers it under its requester, each approver
	// and its document id, and appends the drafts. ErrDuplicate if the id exists.
	InsertRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error
	GetRequest(ctx context.Context, id string) (models.ApprovalRequest, error)
	// UpdateRequest replaces status, steps and updatedAt of an existing request and bumps its
	// revision. ErrConflict if req.Revision no longer matches the stored one.
	UpdateRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error
	// RequestIDs returns ids registered under key in insertion order.
	RequestIDs(ctx context.Context, dim Dimension, key string) ([]string, error)
	// ListExpirable returns ids of open requests whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)

	// GrantRole reports whether the assignment was added. The draft is only appended on change.
	GrantRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error)
	// RevokeRole reports whether the assignment was removed. The draft is only appended on change.
	RevokeRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error)
	HasRole(ctx context.Context, p models.Principal, role models.Role) (bool, error)
	RolesOf(ctx context.Context, p models.Principal) ([]models.Role, error)

	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value string, events ...audit.Draft) error

	AppendEvent(ctx context.Context, d audit.Draft) (audit.Event, error)
	ListEvents(ctx context.Context, stream string) ([]audit.Event, error)

	Ping(ctx context.Context) error
}

// claimLease is how long an in_progress event stays claimed before another streamer may retake it.
const claimLease = 5 * time.Minute
