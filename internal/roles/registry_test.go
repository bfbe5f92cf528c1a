package roles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/clock"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/lock"
	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/signer"
	"github.com/ILLUVRSE/docflow/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(audit.NewSealer(signer.NewLocalSigner("roles-test")))
	r := NewRegistry(st, lock.NewKeyedMutex(), clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, r.Bootstrap(context.Background(), "root"))
	return r, st
}

func TestBootstrapIsIdempotent(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Bootstrap(ctx, "root"))

	ok, err := r.HasRole(ctx, "root", models.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	events, _ := st.ListEvents(ctx, audit.StreamRoles)
	require.Len(t, events, 1)
	assert.Equal(t, BootstrapPrincipal, events[0].Actor)

	assert.ErrorIs(t, r.Bootstrap(ctx, ""), errs.ErrValidation)
}

func TestGrantRevokeRequireAdmin(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()

	err := r.Grant(ctx, "mallory", "mallory", models.RoleAdmin)
	assert.ErrorIs(t, err, errs.ErrAuthorization)

	require.NoError(t, r.Grant(ctx, "root", "f1", models.RoleFaculty))
	ok, _ := r.HasRole(ctx, "f1", models.RoleFaculty)
	assert.True(t, ok)
	can, err := r.CanApprove(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, can)

	assert.ErrorIs(t, r.Revoke(ctx, "f1", "f1", models.RoleFaculty), errs.ErrAuthorization)
	require.NoError(t, r.Revoke(ctx, "root", "f1", models.RoleFaculty))
	ok, _ = r.HasRole(ctx, "f1", models.RoleFaculty)
	assert.False(t, ok, "revocation is visible to the next check")

	events, _ := st.ListEvents(ctx, audit.StreamRoles)
	require.Len(t, events, 3)
	assert.Equal(t, audit.TypeRoleGranted, events[1].Type)
	assert.Equal(t, audit.TypeRoleRevoked, events[2].Type)
}

func TestGrantNoopAndValidation(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Grant(ctx, "root", "v1", models.RoleVerifier))
	require.NoError(t, r.Grant(ctx, "root", "v1", models.RoleVerifier))
	require.NoError(t, r.Revoke(ctx, "root", "ghost", models.RoleStudent))
	events, _ := st.ListEvents(ctx, audit.StreamRoles)
	assert.Len(t, events, 2, "no-op changes emit nothing")

	assert.ErrorIs(t, r.Grant(ctx, "root", "v1", models.Role("DEAN")), errs.ErrValidation)
	assert.ErrorIs(t, r.Grant(ctx, "root", "", models.RoleFaculty), errs.ErrValidation)

	roles, err := r.RolesOf(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleAdmin}, roles)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GrantRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error) {
	args := m.Called(ctx, p, role, ev)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) RevokeRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error) {
	args := m.Called(ctx, p, role, ev)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) HasRole(ctx context.Context, p models.Principal, role models.Role) (bool, error) {
	args := m.Called(ctx, p, role)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) RolesOf(ctx context.Context, p models.Principal) ([]models.Role, error) {
	args := m.Called(ctx, p)
	return args.Get(0).([]models.Role), args.Error(1)
}

func TestStoreFailuresAreNotAuthorizationErrors(t *testing.T) {
	ms := new(mockStore)
	ms.On("HasRole", mock.Anything, models.Principal("root"), models.RoleAdmin).Return(false, errors.New("db down"))
	r := NewRegistry(ms, lock.NewKeyedMutex(), clock.System{})

	err := r.Grant(context.Background(), "root", "f1", models.RoleFaculty)
	require.Error(t, err)
	assert.Nil(t, errs.KindOf(err))
	ms.AssertNotCalled(t, "GrantRole", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
