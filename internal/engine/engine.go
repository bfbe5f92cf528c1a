// Package engine implements the approval state machine: request creation, per-approver
// decisions under SEQUENTIAL or PARALLEL semantics, cancellation and expiry.
//
// Every mutation of a request runs under a lock keyed by its id and writes the new state
// together with its audit events in one storage transaction.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/canonical"
	"github.com/ILLUVRSE/docflow/internal/clock"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/ledger"
	"github.com/ILLUVRSE/docflow/internal/lock"
	"github.com/ILLUVRSE/docflow/internal/models"
)

const DefaultMaxApprovers = 32

// Eligibility answers whether a principal may be listed as an approver.
type Eligibility interface {
	CanApprove(ctx context.Context, p models.Principal) (bool, error)
}

// PauseSwitch reports the engine-wide pause flag.
type PauseSwitch interface {
	Paused(ctx context.Context) (bool, error)
}

// EventLog reads the audit stream of one request.
type EventLog interface {
	ListEvents(ctx context.Context, stream string) ([]audit.Event, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Ledger *ledger.Ledger
	Index  *ledger.Index
	Roles  Eligibility
	Admin  PauseSwitch
	Events EventLog
	Locks  lock.Locker
	Clock  clock.Clock
}

type Config struct {
	MaxApprovers int
}

type Engine struct {
	ledger *ledger.Ledger
	index  *ledger.Index
	roles  Eligibility
	admin  PauseSwitch
	events EventLog
	locks  lock.Locker
	clock  clock.Clock
	cfg    Config

	newNonce func() string
}

func New(d Deps, cfg Config) *Engine {
	if cfg.MaxApprovers <= 0 {
		cfg.MaxApprovers = DefaultMaxApprovers
	}
	return &Engine{
		ledger:   d.Ledger,
		index:    d.Index,
		roles:    d.Roles,
		admin:    d.Admin,
		events:   d.Events,
		locks:    d.Locks,
		clock:    d.Clock,
		cfg:      cfg,
		newNonce: uuid.NewString,
	}
}

// CreateInput describes a new approval request.
type CreateInput struct {
	Requester    models.Principal
	DocumentID   string
	ContentRef   string
	Approvers    []models.Principal
	ApprovalMode models.ApprovalMode
	DecisionMode models.DecisionMode
	Priority     models.Priority
	Expiry       *time.Time
	Version      string
}

// DecisionInput is one approver's action on a request.
type DecisionInput struct {
	Decision     models.Decision
	SignatureRef string
	Comment      string
}

// Create validates in, allocates an id and stores the request with all steps PENDING.
func (e *Engine) Create(ctx context.Context, in CreateInput) (string, error) {
	const op = "create"
	paused, err := e.admin.Paused(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if paused {
		return "", errs.Paused(op)
	}
	if in.DecisionMode == "" {
		in.DecisionMode = models.DecisionStandard
	}
	if in.Priority == "" {
		in.Priority = models.PriorityNormal
	}
	if err := e.validateCreate(ctx, in); err != nil {
		return "", err
	}

	now, err := e.clock.Now(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if in.Expiry != nil && !in.Expiry.After(now) {
		return "", errs.Validation(op, "expiry %s is not in the future", in.Expiry.UTC().Format(time.RFC3339))
	}

	id, err := requestID(in, e.newNonce(), now)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req := models.ApprovalRequest{
		ID:           id,
		DocumentID:   in.DocumentID,
		ContentRef:   in.ContentRef,
		Requester:    in.Requester,
		Approvers:    append([]models.Principal(nil), in.Approvers...),
		ApprovalMode: in.ApprovalMode,
		DecisionMode: in.DecisionMode,
		Priority:     in.Priority,
		Version:      in.Version,
		Status:       models.StatusPending,
		Steps:        make([]models.ApprovalStep, len(in.Approvers)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Expiry != nil {
		exp := in.Expiry.UTC()
		req.Expiry = &exp
	}
	for i, a := range in.Approvers {
		req.Steps[i] = models.ApprovalStep{Approver: a, Decision: models.StepPending}
	}

	created := audit.NewDraft(id, in.Requester, now, audit.RequestCreated{
		ID:         id,
		DocumentID: in.DocumentID,
		Requester:  in.Requester,
		Approvers:  req.Approvers,
		Mode:       in.ApprovalMode,
	})
	if err := e.ledger.Insert(ctx, req, created); err != nil {
		return "", err
	}
	log.Printf("[engine] request %s created by %s for document %s (%s, %d approvers)",
		id, in.Requester, in.DocumentID, in.ApprovalMode, len(in.Approvers))
	return id, nil
}

func (e *Engine) validateCreate(ctx context.Context, in CreateInput) error {
	const op = "create"
	switch {
	case in.Requester == "":
		return errs.Validation(op, "requester required")
	case in.DocumentID == "":
		return errs.Validation(op, "documentId required")
	case len(in.Approvers) == 0:
		return errs.Validation(op, "at least one approver required")
	case len(in.Approvers) > e.cfg.MaxApprovers:
		return errs.Validation(op, "%d approvers exceeds the limit of %d", len(in.Approvers), e.cfg.MaxApprovers)
	case !in.ApprovalMode.Valid():
		return errs.Validation(op, "unknown approval mode %q", in.ApprovalMode)
	case !in.DecisionMode.Valid():
		return errs.Validation(op, "unknown decision mode %q", in.DecisionMode)
	case !in.Priority.Valid():
		return errs.Validation(op, "unknown priority %q", in.Priority)
	}

	seen := make(map[models.Principal]bool, len(in.Approvers))
	for _, a := range in.Approvers {
		switch {
		case a == "":
			return errs.Validation(op, "empty approver")
		case a == in.Requester:
			return errs.Validation(op, "requester %s cannot approve own request", a)
		case seen[a]:
			return errs.Validation(op, "duplicate approver %s", a)
		}
		seen[a] = true
	}
	for _, a := range in.Approvers {
		ok, err := e.roles.CanApprove(ctx, a)
		if err != nil {
			return fmt.Errorf("%s: check role of %s: %w", op, a, err)
		}
		if !ok {
			return errs.Validation(op, "approver ineligible: %s", a)
		}
	}
	return nil
}

// requestID hashes the submission with a random nonce so identical submissions get distinct ids.
func requestID(in CreateInput, nonce string, submittedAt time.Time) (string, error) {
	approvers := make([]string, len(in.Approvers))
	for i, a := range in.Approvers {
		approvers[i] = string(a)
	}
	return canonical.SumHex(map[string]interface{}{
		"documentId":  in.DocumentID,
		"requester":   string(in.Requester),
		"approvers":   approvers,
		"nonce":       nonce,
		"submittedAt": submittedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Decide records actor's decision on request id and returns the resulting aggregate.
func (e *Engine) Decide(ctx context.Context, id string, actor models.Principal, in DecisionInput) (models.Snapshot, error) {
	const op = "decide"
	unlock, err := e.locks.Acquire(ctx, id)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	req, err := e.ledger.Get(ctx, id)
	if err != nil {
		return models.Snapshot{}, err
	}
	if req.Status.Terminal() {
		return models.Snapshot{}, errs.State(op, "request %s is %s", id, req.Status)
	}
	now, err := e.clock.Now(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if req.ExpiredAt(now) {
		if err := e.markExpired(ctx, &req, actor, now); err != nil {
			return models.Snapshot{}, err
		}
		return req.SnapshotAt(now), errs.Expired(op, "request %s expired at %s", id, req.Expiry.Format(time.RFC3339))
	}

	idx := req.StepIndex(actor)
	if idx < 0 {
		return models.Snapshot{}, errs.Authorization(op, "%s is not an approver of %s", actor, id)
	}
	if req.ApprovalMode == models.ModeSequential && idx != req.PendingIndex() {
		return models.Snapshot{}, errs.Authorization(op, "not %s's turn on %s", actor, id)
	}
	if req.Steps[idx].Decision != models.StepPending {
		return models.Snapshot{}, errs.State(op, "%s already decided on %s", actor, id)
	}
	if !in.Decision.Valid() {
		return models.Snapshot{}, errs.Validation(op, "unknown decision %q", in.Decision)
	}
	if req.DecisionMode == models.DecisionDigitalSignature && in.Decision == models.DecisionApprove && in.SignatureRef == "" {
		return models.Snapshot{}, errs.Validation(op, "signatureRef required for digital signature approval")
	}

	decidedAt := now
	step := &req.Steps[idx]
	step.SignatureRef = in.SignatureRef
	step.Comment = in.Comment
	step.DecidedAt = &decidedAt
	req.UpdatedAt = now

	var drafts []audit.Draft
	if in.Decision == models.DecisionReject {
		step.Decision = models.StepRejected
		req.Status = models.StatusRejected
		drafts = append(drafts, audit.NewDraft(id, actor, now,
			audit.RequestRejected{ID: id, Approver: actor, Reason: in.Comment}))
	} else {
		step.Decision = models.StepApproved
		req.Status = nextStatus(req)
		drafts = append(drafts, audit.NewDraft(id, actor, now,
			audit.StepApproved{ID: id, Approver: actor, SignatureRef: in.SignatureRef}))
		if req.Status == models.StatusApproved {
			drafts = append(drafts, audit.NewDraft(id, actor, now, audit.RequestApproved{ID: id}))
		}
	}

	if err := e.ledger.Update(ctx, req, drafts...); err != nil {
		return models.Snapshot{}, err
	}
	log.Printf("[engine] request %s: %s by %s -> %s (%d/%d)",
		id, in.Decision, actor, req.Status, req.ApprovedCount(), len(req.Approvers))
	return req.SnapshotAt(now), nil
}

// nextStatus derives the aggregate after an approval. SEQUENTIAL stays PENDING until the
// final approver; PARALLEL reports PARTIAL for intermediate states.
func nextStatus(req models.ApprovalRequest) models.Status {
	if req.ApprovedCount() == len(req.Steps) {
		return models.StatusApproved
	}
	if req.ApprovalMode == models.ModeSequential {
		return models.StatusPending
	}
	return models.StatusPartial
}

func (e *Engine) markExpired(ctx context.Context, req *models.ApprovalRequest, actor models.Principal, now time.Time) error {
	req.Status = models.StatusExpired
	req.UpdatedAt = now
	if err := e.ledger.Update(ctx, *req, audit.NewDraft(req.ID, actor, now, audit.RequestExpired{ID: req.ID})); err != nil {
		return err
	}
	log.Printf("[engine] request %s expired (triggered by %s)", req.ID, actor)
	return nil
}

// Cancel withdraws an open request. Only its requester may cancel it.
func (e *Engine) Cancel(ctx context.Context, id string, actor models.Principal) error {
	const op = "cancel"
	unlock, err := e.locks.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	req, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if !req.Status.Open() {
		return errs.State(op, "request %s is %s", id, req.Status)
	}
	if actor != req.Requester {
		return errs.Authorization(op, "only the requester may cancel %s", id)
	}
	now, err := e.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Status = models.StatusCancelled
	req.UpdatedAt = now
	if err := e.ledger.Update(ctx, req, audit.NewDraft(id, actor, now, audit.RequestCancelled{ID: id})); err != nil {
		return err
	}
	log.Printf("[engine] request %s cancelled by %s", id, actor)
	return nil
}

// Expire moves an open request whose expiry has passed to EXPIRED. Anyone may call it.
func (e *Engine) Expire(ctx context.Context, id string, caller models.Principal) error {
	const op = "expire"
	unlock, err := e.locks.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	req, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return errs.State(op, "request %s is %s", id, req.Status)
	}
	if req.Expiry == nil {
		return errs.State(op, "request %s has no expiry", id)
	}
	now, err := e.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !req.ExpiredAt(now) {
		return errs.State(op, "request %s does not expire until %s", id, req.Expiry.Format(time.RFC3339))
	}
	return e.markExpired(ctx, &req, caller, now)
}

// Status is a pure read of the aggregate state of id.
func (e *Engine) Status(ctx context.Context, id string) (models.Snapshot, error) {
	req, err := e.ledger.Get(ctx, id)
	if err != nil {
		return models.Snapshot{}, err
	}
	now, err := e.clock.Now(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("status: %w", err)
	}
	return req.SnapshotAt(now), nil
}

func (e *Engine) Get(ctx context.Context, id string) (models.ApprovalRequest, error) {
	return e.ledger.Get(ctx, id)
}

func (e *Engine) Steps(ctx context.Context, id string) ([]models.ApprovalStep, error) {
	req, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return req.Steps, nil
}

// Events returns the audit trail of id in emission order.
func (e *Engine) Events(ctx context.Context, id string) ([]audit.Event, error) {
	if _, err := e.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	evs, err := e.events.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("events %s: %w", id, err)
	}
	return evs, nil
}

func (e *Engine) ByRequester(ctx context.Context, p models.Principal) ([]string, error) {
	return e.index.ByRequester(ctx, p)
}

func (e *Engine) ByApprover(ctx context.Context, p models.Principal) ([]string, error) {
	return e.index.ByApprover(ctx, p)
}

func (e *Engine) ByDocument(ctx context.Context, documentID string) ([]string, error) {
	return e.index.ByDocument(ctx, documentID)
}
