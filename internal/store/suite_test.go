package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/signer"
)

var testNow = time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)

func newSealer() (*audit.Sealer, []byte) {
	s := signer.NewLocalSigner("store-test")
	return audit.NewSealer(s), s.PublicKey()
}

func sampleRequest(suffix string) models.ApprovalRequest {
	exp := testNow.Add(time.Hour)
	return models.ApprovalRequest{
		ID:           "req-" + suffix,
		DocumentID:   "doc-" + suffix,
		ContentRef:   "ipfs://cid",
		Requester:    models.Principal("s1-" + suffix),
		Approvers:    []models.Principal{models.Principal("f1-" + suffix), models.Principal("f2-" + suffix)},
		ApprovalMode: models.ModeParallel,
		DecisionMode: models.DecisionStandard,
		Priority:     models.PriorityNormal,
		Expiry:       &exp,
		Version:      "v1",
		Status:       models.StatusPending,
		Steps: []models.ApprovalStep{
			{Approver: models.Principal("f1-" + suffix), Decision: models.StepPending},
			{Approver: models.Principal("f2-" + suffix), Decision: models.StepPending},
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

// runStoreSuite exercises the behavior every Store must share.
func runStoreSuite(t *testing.T, s Store, pub []byte) {
	ctx := context.Background()
	sfx := uuid.NewString()[:8]

	t.Run("insert and get", func(t *testing.T) {
		req := sampleRequest(sfx)
		created := audit.NewDraft(req.ID, req.Requester, testNow, audit.RequestCreated{
			ID: req.ID, DocumentID: req.DocumentID, Requester: req.Requester, Approvers: req.Approvers, Mode: req.ApprovalMode,
		})
		require.NoError(t, s.InsertRequest(ctx, req, created))
		assert.ErrorIs(t, s.InsertRequest(ctx, req, created), ErrDuplicate)

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req, got)

		_, err = s.GetRequest(ctx, "missing-"+sfx)
		assert.ErrorIs(t, err, ErrNotFound)

		ids, err := s.RequestIDs(ctx, ByApprover, string(req.Approvers[1]))
		require.NoError(t, err)
		assert.Equal(t, []string{req.ID}, ids)
		ids, err = s.RequestIDs(ctx, ByDocument, req.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, []string{req.ID}, ids)
		ids, err = s.RequestIDs(ctx, ByRequester, "nobody-"+sfx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("update appends events in order", func(t *testing.T) {
		req := sampleRequest(sfx)
		decided := testNow.Add(time.Minute)
		req.Steps[0].Decision = models.StepApproved
		req.Steps[0].Comment = "ok"
		req.Steps[0].DecidedAt = &decided
		req.Status = models.StatusPartial
		req.UpdatedAt = decided
		require.NoError(t, s.UpdateRequest(ctx, req,
			audit.NewDraft(req.ID, req.Approvers[0], decided, audit.StepApproved{ID: req.ID, Approver: req.Approvers[0]})))

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPartial, got.Status)
		assert.Equal(t, "ok", got.Steps[0].Comment)
		require.NotNil(t, got.Steps[0].DecidedAt)
		assert.True(t, decided.Equal(*got.Steps[0].DecidedAt))

		events, err := s.ListEvents(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, audit.TypeRequestCreated, events[0].Type)
		assert.Equal(t, audit.TypeStepApproved, events[1].Type)
		require.NoError(t, audit.VerifyStream(events, pub))

		assert.Equal(t, req.Revision+1, got.Revision)

		// req still carries the revision it was read at.
		req.Status = models.StatusRejected
		assert.ErrorIs(t, s.UpdateRequest(ctx, req), ErrConflict)
		got, err = s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPartial, got.Status)

		missing := sampleRequest("nope-" + sfx)
		assert.ErrorIs(t, s.UpdateRequest(ctx, missing), ErrNotFound)
	})

	t.Run("expirable", func(t *testing.T) {
		ids, err := s.ListExpirable(ctx, testNow.Add(2*time.Hour), 1000)
		require.NoError(t, err)
		assert.Contains(t, ids, "req-"+sfx)
		ids, err = s.ListExpirable(ctx, testNow, 1000)
		require.NoError(t, err)
		assert.NotContains(t, ids, "req-"+sfx)
	})

	t.Run("roles", func(t *testing.T) {
		p := models.Principal("p-" + sfx)
		d := audit.NewDraft(audit.StreamRoles, "admin", testNow, audit.RoleGranted{Principal: p, Role: models.RoleFaculty, By: "admin"})
		changed, err := s.GrantRole(ctx, p, models.RoleFaculty, d)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.GrantRole(ctx, p, models.RoleFaculty, d)
		require.NoError(t, err)
		assert.False(t, changed)

		ok, err := s.HasRole(ctx, p, models.RoleFaculty)
		require.NoError(t, err)
		assert.True(t, ok)
		roles, err := s.RolesOf(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, []models.Role{models.RoleFaculty}, roles)

		r := audit.NewDraft(audit.StreamRoles, "admin", testNow, audit.RoleRevoked{Principal: p, Role: models.RoleFaculty, By: "admin"})
		changed, err = s.RevokeRole(ctx, p, models.RoleFaculty, r)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.RevokeRole(ctx, p, models.RoleFaculty, r)
		require.NoError(t, err)
		assert.False(t, changed)
		ok, err = s.HasRole(ctx, p, models.RoleFaculty)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("settings", func(t *testing.T) {
		key := "test-" + sfx
		_, ok, err := s.GetSetting(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, s.PutSetting(ctx, key, "a"))
		require.NoError(t, s.PutSetting(ctx, key, "b"))
		v, ok, err := s.GetSetting(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "b", v)
	})

	t.Run("append event continues chain", func(t *testing.T) {
		stream := "custom-" + sfx
		for i := 0; i < 3; i++ {
			ev, err := s.AppendEvent(ctx, audit.NewDraft(stream, "x", testNow, audit.Paused{By: models.Principal(fmt.Sprint(i))}))
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), ev.Seq)
		}
		events, err := s.ListEvents(ctx, stream)
		require.NoError(t, err)
		require.NoError(t, audit.VerifyStream(events, pub))
	})
}

func TestMemoryStoreSuite(t *testing.T) {
	sealer, pub := newSealer()
	runStoreSuite(t, NewMemoryStore(sealer), pub)
}
