package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waqedi/identity/internal/auth"
)

func TestAuthenticateIssuesScopedSession(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	require.NotEmpty(t, s.AccessToken)
	require.NotEmpty(t, s.RefreshToken)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), s.AccessExpiresAt)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), s.RefreshExpiresAt)

	claims, err := f.issuer.Verify(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.analyst.ID, claims.Subject)
	assert.Equal(t, f.acme.ID, claims.TenantID)
	assert.Equal(t, f.d1.ID, claims.DepartmentID)
	assert.Equal(t, []string{"analyst"}, claims.Roles)
	assert.Equal(t, []string{"documents:read:department"}, claims.Permissions)

	user, err := f.store.Users().Find(context.Background(), f.analyst.ID)
	require.NoError(t, err)
	require.NotNil(t, user.LastLoginAt)
	assert.Contains(t, f.events.names(), auth.EventLoginSuccess)
}

func TestAuthenticateFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]auth.Credentials{
		"unknown tenant": {TenantSlug: "globex", Email: "analyst@acme.test", Secret: analystSecret},
		"unknown email":  {TenantSlug: "acme", Email: "nobody@acme.test", Secret: analystSecret},
		"wrong secret":   {TenantSlug: "acme", Email: "analyst@acme.test", Secret: "nope"},
		"empty secret":   {TenantSlug: "acme", Email: "analyst@acme.test"},
	}
	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Authenticate(ctx, creds)
			require.ErrorIs(t, err, auth.ErrInvalidCredentials)
			assert.Equal(t, auth.ErrInvalidCredentials.Error(), err.Error())
		})
	}
}

func TestAuthenticateTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	globex, err := f.admin.CreateTenant(ctx, auth.NewTenant{Slug: "globex", Name: "Globex"})
	require.NoError(t, err)
	other, err := f.admin.CreateUser(ctx, auth.NewUser{
		TenantID: globex.ID, Email: "analyst@acme.test", Secret: "globex secret!",
	})
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "globex", Email: "analyst@acme.test", Secret: analystSecret})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	s, err := f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "globex", Email: "analyst@acme.test", Secret: "globex secret!"})
	require.NoError(t, err)
	assert.Equal(t, other.ID, s.Principal.UserID)
	assert.Equal(t, globex.ID, s.Principal.TenantID)
}

func TestAuthenticateDefaultTenant(t *testing.T) {
	f := newFixture(t)
	svc, err := auth.NewService(f.store, f.hasher, f.issuer, f.refresh, auth.WithDefaultTenant("ACME"))
	require.NoError(t, err)

	s, err := svc.Authenticate(context.Background(), auth.Credentials{Email: "analyst@acme.test", Secret: analystSecret})
	require.NoError(t, err)
	assert.Equal(t, f.acme.ID, s.Principal.TenantID)
}

func TestAuthenticateInactiveStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admin.SetUserStatus(ctx, f.acme.ID, f.analyst.ID, auth.UserStatusSuspended, "")
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "acme", Email: "analyst@acme.test", Secret: analystSecret})
	require.ErrorIs(t, err, auth.ErrAccountSuspended)

	// Status is only revealed to callers who know the secret.
	_, err = f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "acme", Email: "analyst@acme.test", Secret: "wrong"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.admin.SetUserStatus(ctx, f.acme.ID, f.analyst.ID, auth.UserStatusActive, "")
	require.NoError(t, err)
	require.NoError(t, f.admin.SetTenantActive(ctx, f.acme.ID, false))
	_, err = f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "acme", Email: "analyst@acme.test", Secret: analystSecret})
	require.ErrorIs(t, err, auth.ErrTenantInactive)
}

func TestAuthenticateRehashesLegacyParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stronger, err := auth.NewHasher(auth.PasswordParams{Memory: 2048, Iterations: 2, Parallelism: 1})
	require.NoError(t, err)
	svc, err := auth.NewService(f.store, stronger, f.issuer, f.refresh)
	require.NoError(t, err)

	before, err := f.store.Users().Find(ctx, f.analyst.ID)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, auth.Credentials{TenantSlug: "acme", Email: "analyst@acme.test", Secret: analystSecret})
	require.NoError(t, err)

	after, err := f.store.Users().Find(ctx, f.analyst.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.PasswordHash, after.PasswordHash)
	assert.False(t, stronger.NeedsRehash(after.PasswordHash))
}

func TestVerifyBuildsTenantContext(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	tc, err := f.svc.Verify(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.analyst.ID, tc.UserID())
	assert.Equal(t, f.acme.ID, tc.TenantID())

	perms := tc.Permissions()
	perms[0] = "tampered:*:system"
	assert.Equal(t, []string{"documents:read:department"}, tc.Permissions())

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Verify(s.AccessToken)
	require.ErrorIs(t, err, auth.ErrTokenExpired)
}
