package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waqedi/identity/internal/auth"
)

type outbox struct {
	mu   sync.Mutex
	sent map[string]string
}

func (o *outbox) SendVerification(_ context.Context, u auth.User, token string, _ time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sent == nil {
		o.sent = make(map[string]string)
	}
	o.sent[u.ID] = token
	return nil
}

func (o *outbox) tokenFor(userID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent[userID]
}

func signupAdmin(t *testing.T, f *fixture, opts ...auth.AdminOption) (*auth.AdminService, *outbox) {
	t.Helper()
	box := &outbox{}
	opts = append([]auth.AdminOption{
		auth.WithAdminClock(f.clock.Now),
		auth.WithAdminEvents(f.events),
		auth.WithVerificationSender(box),
		auth.WithDefaultRole("analyst"),
	}, opts...)
	admin, err := auth.NewAdminService(f.store, f.hasher, opts...)
	require.NoError(t, err)
	return admin, box
}

func TestSignupCreatesPendingUserWithDefaultRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin, box := signupAdmin(t, f)

	u, err := admin.Signup(ctx, auth.NewSignup{TenantSlug: " ACME ", Email: "New@Acme.test", Secret: "long enough secret"})
	require.NoError(t, err)
	assert.Equal(t, auth.UserStatusPending, u.Status)
	assert.Equal(t, "new@acme.test", u.Email)
	assert.NotEmpty(t, box.tokenFor(u.ID))

	grants, err := f.store.Roles().Grants(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "analyst", grants[0].Role.Name)

	_, err = f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "acme", Email: "new@acme.test", Secret: "long enough secret"})
	require.ErrorIs(t, err, auth.ErrEmailNotVerified)
	assert.Contains(t, f.events.names(), auth.EventSignup)
}

func TestSignupRejectionsAreUniform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin, _ := signupAdmin(t, f)

	_, err := admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "analyst@acme.test", Secret: "long enough secret"})
	require.ErrorIs(t, err, auth.ErrSignupRejected)
	_, err = admin.Signup(ctx, auth.NewSignup{TenantSlug: "initech", Email: "a@initech.test", Secret: "long enough secret"})
	require.ErrorIs(t, err, auth.ErrSignupRejected)

	require.NoError(t, admin.SetTenantActive(ctx, f.acme.ID, false))
	_, err = admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "late@acme.test", Secret: "long enough secret"})
	require.ErrorIs(t, err, auth.ErrSignupRejected)

	_, err = admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "short@acme.test", Secret: "short"})
	require.ErrorIs(t, err, auth.ErrSignupRejected, "tenant check comes first")
}

func TestSignupRefusesSystemScopeDefaultRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := auth.Role{ID: "root", Name: "super_admin", Scope: auth.RoleScopeSystem, System: true}
	require.NoError(t, f.store.Roles().Create(ctx, &root))
	admin, _ := signupAdmin(t, f, auth.WithDefaultRole("super_admin"))

	_, err := admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "x@acme.test", Secret: "long enough secret"})
	require.ErrorIs(t, err, auth.ErrSignupRejected)
	_, err = f.store.Users().FindByEmail(ctx, f.acme.ID, "x@acme.test")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestVerifyEmailActivatesOnceAndExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin, box := signupAdmin(t, f, auth.WithVerificationTTL(time.Hour))

	early, err := admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "early@acme.test", Secret: "long enough secret"})
	require.NoError(t, err)
	u, err := admin.VerifyEmail(ctx, box.tokenFor(early.ID))
	require.NoError(t, err)
	assert.Equal(t, auth.UserStatusActive, u.Status)

	again, err := admin.VerifyEmail(ctx, box.tokenFor(early.ID))
	require.NoError(t, err, "redeeming twice is harmless")
	assert.Equal(t, early.ID, again.ID)

	_, err = f.svc.Authenticate(ctx, auth.Credentials{TenantSlug: "acme", Email: "early@acme.test", Secret: "long enough secret"})
	require.NoError(t, err)

	late, err := admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "late@acme.test", Secret: "long enough secret"})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = admin.VerifyEmail(ctx, box.tokenFor(late.ID))
	require.ErrorIs(t, err, auth.ErrVerificationInvalid)
	stored, err := f.store.Users().Find(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.UserStatusPending, stored.Status)

	_, err = admin.VerifyEmail(ctx, "")
	require.ErrorIs(t, err, auth.ErrVerificationInvalid)
	_, err = admin.VerifyEmail(ctx, "forged")
	require.ErrorIs(t, err, auth.ErrVerificationInvalid)
}

func TestVerifyEmailKeepsSuspensions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin, box := signupAdmin(t, f)

	u, err := admin.Signup(ctx, auth.NewSignup{TenantSlug: "acme", Email: "new@acme.test", Secret: "long enough secret"})
	require.NoError(t, err)
	_, err = admin.SetUserStatus(ctx, f.acme.ID, u.ID, auth.UserStatusSuspended, "")
	require.NoError(t, err)

	got, err := admin.VerifyEmail(ctx, box.tokenFor(u.ID))
	require.NoError(t, err)
	assert.Equal(t, auth.UserStatusSuspended, got.Status)
}
