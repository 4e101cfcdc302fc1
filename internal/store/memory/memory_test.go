package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waqedi/identity/internal/auth"
)

func token(id, family, hash string, exp time.Time) *auth.RefreshToken {
	return &auth.RefreshToken{ID: id, UserID: "u1", FamilyID: family, TokenHash: hash, ExpiresAt: exp}
}

func TestRotateIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	tokens := s.RefreshTokens()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, tokens.Create(ctx, token("t1", "f1", "h1", exp)))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := token("t2-"+string(rune('a'+i)), "f1", "h2-"+string(rune('a'+i)), exp)
			err := tokens.Rotate(ctx, "t1", next, time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, auth.ErrConflict)
				conflict++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflict)

	old, err := tokens.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, old.Revoked())
}

func TestOneLiveTokenPerFamily(t *testing.T) {
	ctx := context.Background()
	tokens := New().RefreshTokens()
	exp := time.Now().Add(time.Hour)

	require.NoError(t, tokens.Create(ctx, token("t1", "f1", "h1", exp)))
	assert.ErrorIs(t, tokens.Create(ctx, token("t2", "f1", "h2", exp)), auth.ErrConflict)
	assert.ErrorIs(t, tokens.Create(ctx, token("t3", "f2", "h1", exp)), auth.ErrConflict, "hash reuse")

	n, err := tokens.RevokeFamily(ctx, "f1", time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, tokens.Create(ctx, token("t2", "f1", "h2", exp)))
}

func TestRotateRollsBackOnInsertFailure(t *testing.T) {
	ctx := context.Background()
	tokens := New().RefreshTokens()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, tokens.Create(ctx, token("t1", "f1", "h1", exp)))
	require.NoError(t, tokens.Create(ctx, token("x1", "f2", "hx", exp)))

	err := tokens.Rotate(ctx, "t1", token("t2", "f1", "hx", exp), time.Now())
	assert.ErrorIs(t, err, auth.ErrConflict)
	old, err := tokens.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, old.Revoked())

	assert.ErrorIs(t, tokens.Rotate(ctx, "missing", token("t3", "f3", "h3", exp), time.Now()), auth.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	tokens := New().RefreshTokens()
	now := time.Now()
	require.NoError(t, tokens.Create(ctx, token("old", "f1", "h1", now.Add(-time.Minute))))
	require.NoError(t, tokens.Create(ctx, token("new", "f2", "h2", now.Add(time.Hour))))

	n, err := tokens.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = tokens.FindByHash(ctx, "h1")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = tokens.FindByHash(ctx, "h2")
	assert.NoError(t, err)
}

func TestFindByNamePrefersTenantRole(t *testing.T) {
	ctx := context.Background()
	roles := New().Roles()
	require.NoError(t, roles.Create(ctx, &auth.Role{ID: "r-global", Name: "analyst"}))

	got, err := roles.FindByName(ctx, "acme", "analyst")
	require.NoError(t, err)
	assert.Equal(t, "r-global", got.ID, "falls back to the global role")

	require.NoError(t, roles.Create(ctx, &auth.Role{ID: "r-acme", TenantID: "acme", Name: "analyst"}))
	got, err = roles.FindByName(ctx, "acme", "analyst")
	require.NoError(t, err)
	assert.Equal(t, "r-acme", got.ID)

	_, err = roles.FindByName(ctx, "acme", "ghost")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAssignIsUpsertPerRole(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Tenants().Create(ctx, &auth.Tenant{ID: "acme", Slug: "acme", Name: "Acme", Active: true}))
	require.NoError(t, s.Users().Create(ctx, &auth.User{ID: "u1", TenantID: "acme", Email: "a@acme.test"}))
	require.NoError(t, s.Roles().Create(ctx, &auth.Role{ID: "r1", Name: "analyst"}))
	require.NoError(t, s.Roles().SetPermissions(ctx, "r1", []auth.Permission{{Resource: "documents", Action: "read", Scope: auth.ScopeDepartment}}))

	require.NoError(t, s.Roles().Assign(ctx, auth.Assignment{UserID: "u1", RoleID: "r1"}))
	require.NoError(t, s.Roles().Assign(ctx, auth.Assignment{UserID: "u1", RoleID: "r1", ScopeType: auth.QualifierDepartment, ScopeID: "d1"}))

	grants, err := s.Roles().Grants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "d1", grants[0].ScopeID)
	assert.Len(t, grants[0].Permissions, 1)

	assert.ErrorIs(t, s.Roles().Assign(ctx, auth.Assignment{UserID: "ghost", RoleID: "r1"}), auth.ErrNotFound)
	require.NoError(t, s.Roles().Unassign(ctx, "u1", "r1"))
	assert.ErrorIs(t, s.Roles().Unassign(ctx, "u1", "r1"), auth.ErrNotFound)
}

func TestHoldersListsAssignedUsers(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Tenants().Create(ctx, &auth.Tenant{ID: "acme", Slug: "acme", Name: "Acme", Active: true}))
	require.NoError(t, s.Roles().Create(ctx, &auth.Role{ID: "r1", Name: "analyst"}))
	require.NoError(t, s.Roles().Create(ctx, &auth.Role{ID: "r2", Name: "viewer"}))
	for _, id := range []string{"u2", "u1", "u3"} {
		require.NoError(t, s.Users().Create(ctx, &auth.User{ID: id, TenantID: "acme", Email: id + "@acme.test"}))
	}
	require.NoError(t, s.Roles().Assign(ctx, auth.Assignment{UserID: "u2", RoleID: "r1"}))
	require.NoError(t, s.Roles().Assign(ctx, auth.Assignment{UserID: "u1", RoleID: "r1"}))
	require.NoError(t, s.Roles().Assign(ctx, auth.Assignment{UserID: "u3", RoleID: "r2"}))

	got, err := s.Roles().Holders(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got)
}

func TestConfirmActivatesOnlyPendingUsers(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Tenants().Create(ctx, &auth.Tenant{ID: "acme", Slug: "acme", Name: "Acme", Active: true}))
	require.NoError(t, s.Users().Create(ctx, &auth.User{ID: "u1", TenantID: "acme", Email: "a@acme.test", Status: auth.UserStatusPending}))
	require.NoError(t, s.Users().Create(ctx, &auth.User{ID: "u2", TenantID: "acme", Email: "b@acme.test", Status: auth.UserStatusSuspended}))
	exp := time.Now().Add(time.Hour)
	verifications := s.EmailVerifications()
	require.NoError(t, verifications.Create(ctx, &auth.EmailVerification{ID: "v1", UserID: "u1", TokenHash: "h1", ExpiresAt: exp}))
	require.NoError(t, verifications.Create(ctx, &auth.EmailVerification{ID: "v2", UserID: "u2", TokenHash: "h2", ExpiresAt: exp}))
	assert.ErrorIs(t, verifications.Create(ctx, &auth.EmailVerification{ID: "v3", UserID: "u1", TokenHash: "h1", ExpiresAt: exp}), auth.ErrConflict)

	require.NoError(t, verifications.Confirm(ctx, "v1", time.Now()))
	assert.ErrorIs(t, verifications.Confirm(ctx, "v1", time.Now()), auth.ErrConflict)
	u, err := s.Users().Find(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, auth.UserStatusActive, u.Status)

	require.NoError(t, verifications.Confirm(ctx, "v2", time.Now()))
	u, err = s.Users().Find(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, auth.UserStatusSuspended, u.Status)

	v, err := verifications.FindByHash(ctx, "h2")
	require.NoError(t, err)
	assert.NotNil(t, v.VerifiedAt)
	assert.ErrorIs(t, verifications.Confirm(ctx, "missing", time.Now()), auth.ErrNotFound)
}
