package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/signer"
	"github.com/ILLUVRSE/docflow/internal/store"
)

func request(id string, approvers ...models.Principal) models.ApprovalRequest {
	steps := make([]models.ApprovalStep, len(approvers))
	for i, a := range approvers {
		steps[i] = models.ApprovalStep{Approver: a, Decision: models.StepPending}
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return models.ApprovalRequest{
		ID: id, DocumentID: "D1", Requester: "s1", Approvers: approvers, Steps: steps,
		ApprovalMode: models.ModeParallel, DecisionMode: models.DecisionStandard, Priority: models.PriorityNormal,
		Status: models.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
}

func newLedger() (*Ledger, *Index) {
	st := store.NewMemoryStore(audit.NewSealer(signer.NewLocalSigner("ledger-test")))
	return New(st), NewIndex(st)
}

func TestInsertOnceAndGet(t *testing.T) {
	l, idx := newLedger()
	ctx := context.Background()

	require.NoError(t, l.Insert(ctx, request("r1", "f1", "f2")))
	err := l.Insert(ctx, request("r1", "f1", "f2"))
	assert.ErrorIs(t, err, errs.ErrState)

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)

	_, err = l.Get(ctx, "r2")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, l.Insert(ctx, request("r2", "f2", "f3")))
	ids, err := idx.ByApprover(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)
	ids, err = idx.ByRequester(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)
	ids, err = idx.ByDocument(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)
}

func TestShapeInvariantsRejected(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	dup := request("d", "f1", "f1")
	assert.ErrorIs(t, l.Insert(ctx, dup), errs.ErrValidation)

	self := request("s", "s1")
	assert.ErrorIs(t, l.Insert(ctx, self), errs.ErrValidation)

	short := request("x", "f1", "f2")
	short.Steps = short.Steps[:1]
	assert.ErrorIs(t, l.Insert(ctx, short), errs.ErrValidation)

	swapped := request("y", "f1", "f2")
	swapped.Steps[0], swapped.Steps[1] = swapped.Steps[1], swapped.Steps[0]
	assert.ErrorIs(t, l.Insert(ctx, swapped), errs.ErrValidation)

	_, err := l.Get(ctx, "d")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateUnknown(t *testing.T) {
	l, _ := newLedger()
	assert.ErrorIs(t, l.Update(context.Background(), request("ghost", "f1")), errs.ErrNotFound)
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	require.NoError(t, l.Insert(ctx, request("r1", "f1")))

	got, _ := l.Get(ctx, "r1")
	got.Status = models.StatusApproved
	got.Steps[0].Decision = models.StepApproved

	again, _ := l.Get(ctx, "r1")
	assert.Equal(t, models.StatusPending, again.Status)
	assert.Equal(t, models.StepPending, again.Steps[0].Decision)
}

func TestUpdateFromStaleReadConflicts(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	require.NoError(t, l.Insert(ctx, request("r1", "f1", "f2")))

	a, _ := l.Get(ctx, "r1")
	b, _ := l.Get(ctx, "r1")

	a.Steps[0].Decision = models.StepApproved
	a.Status = models.StatusPartial
	require.NoError(t, l.Update(ctx, a))

	b.Steps[1].Decision = models.StepRejected
	b.Status = models.StatusRejected
	assert.ErrorIs(t, l.Update(ctx, b), errs.ErrState)

	got, _ := l.Get(ctx, "r1")
	assert.Equal(t, models.StatusPartial, got.Status)
	assert.Equal(t, models.StepPending, got.Steps[1].Decision)
	assert.Equal(t, int64(1), got.Revision)
}
