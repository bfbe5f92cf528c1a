package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/clock"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/lock"
	"github.com/ILLUVRSE/docflow/internal/roles"
	"github.com/ILLUVRSE/docflow/internal/signer"
	"github.com/ILLUVRSE/docflow/internal/store"
)

func setup(t *testing.T) (*Control, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(audit.NewSealer(signer.NewLocalSigner("admin-test")))
	locks := lock.NewKeyedMutex()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := roles.NewRegistry(st, locks, clk)
	require.NoError(t, reg.Bootstrap(context.Background(), "root"))
	return NewControl(st, reg, locks, clk), st
}

func paused(t *testing.T, c *Control) bool {
	t.Helper()
	p, err := c.Paused(context.Background())
	require.NoError(t, err)
	return p
}

func TestPauseLifecycle(t *testing.T) {
	c, st := setup(t)
	ctx := context.Background()
	assert.False(t, paused(t, c))

	assert.ErrorIs(t, c.Pause(ctx, "s1"), errs.ErrAuthorization)
	assert.False(t, paused(t, c))

	require.NoError(t, c.Pause(ctx, "root"))
	assert.True(t, paused(t, c))
	assert.ErrorIs(t, c.Pause(ctx, "root"), errs.ErrState)

	require.NoError(t, c.Unpause(ctx, "root"))
	assert.False(t, paused(t, c))
	assert.ErrorIs(t, c.Unpause(ctx, "root"), errs.ErrState)

	events, _ := st.ListEvents(ctx, audit.StreamAdmin)
	require.Len(t, events, 2)
	assert.Equal(t, audit.TypePaused, events[0].Type)
	assert.Equal(t, audit.TypeUnpaused, events[1].Type)
}

func TestStateSharedAcrossControls(t *testing.T) {
	a, st := setup(t)
	ctx := context.Background()
	// b stands in for a second replica: same store, its own locks and clock.
	b := NewControl(st, a.roles, lock.NewKeyedMutex(), clock.System{})

	require.NoError(t, a.Pause(ctx, "root"))
	assert.True(t, paused(t, b))
	assert.ErrorIs(t, b.Pause(ctx, "root"), errs.ErrState)

	require.NoError(t, b.Unpause(ctx, "root"))
	assert.False(t, paused(t, a))
	assert.ErrorIs(t, a.Unpause(ctx, "root"), errs.ErrState)

	require.NoError(t, a.SetDocumentManagerRef(ctx, "root", "0xDocManager"))
	require.NoError(t, b.Pause(ctx, "root"))
	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{Paused: true, DocumentManagerRef: "0xDocManager"}, state)

	events, _ := st.ListEvents(ctx, audit.StreamAdmin)
	require.Len(t, events, 4)
}

func TestSetDocumentManagerRef(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	assert.ErrorIs(t, c.SetDocumentManagerRef(ctx, "f1", "x"), errs.ErrAuthorization)
	assert.ErrorIs(t, c.SetDocumentManagerRef(ctx, "root", ""), errs.ErrValidation)
	ref, err := c.DocumentManagerRef(ctx)
	require.NoError(t, err)
	assert.Empty(t, ref)
	require.NoError(t, c.SetDocumentManagerRef(ctx, "root", "dm://1"))
	ref, err = c.DocumentManagerRef(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dm://1", ref)
}
