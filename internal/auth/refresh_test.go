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

func TestRefreshRotatesWithinFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t)

	f.clock.Advance(time.Minute)
	second, err := f.refresh.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEqual(t, first.AccessToken, second.AccessToken)

	oldRec, err := f.store.RefreshTokens().FindByHash(ctx, auth.HashRefreshToken(first.RefreshToken))
	require.NoError(t, err)
	newRec, err := f.store.RefreshTokens().FindByHash(ctx, auth.HashRefreshToken(second.RefreshToken))
	require.NoError(t, err)
	assert.True(t, oldRec.Revoked())
	assert.False(t, newRec.Revoked())
	assert.Equal(t, oldRec.FamilyID, newRec.FamilyID)
	assert.Equal(t, 1, f.liveTokens(t, first.RefreshToken, second.RefreshToken))
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t)

	second, err := f.refresh.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Second)
	_, err = f.refresh.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshReused)

	// The legitimate successor is dead too.
	_, err = f.refresh.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshReused)
	assert.Equal(t, 0, f.liveTokens(t, first.RefreshToken, second.RefreshToken))
	ev, ok := f.events.last(auth.EventTokenReuse)
	require.True(t, ok)
	assert.Equal(t, f.acme.ID, ev.TenantID)
}

func TestRefreshUnknownAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.refresh.Refresh(ctx, "never-issued")
	require.ErrorIs(t, err, auth.ErrRefreshInvalid)
	_, err = f.refresh.Refresh(ctx, "")
	require.ErrorIs(t, err, auth.ErrRefreshInvalid)

	s := f.login(t)
	f.clock.Advance(7*24*time.Hour + time.Second)
	_, err = f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshExpired)

	// Expiry alone is not a breach.
	assert.Equal(t, 1, f.liveTokens(t, s.RefreshToken))
}

func TestRefreshRejectsSuspendedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.login(t)

	require.NoError(t, f.store.Users().SetStatus(ctx, f.analyst.ID, auth.UserStatusSuspended))
	_, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrAccountSuspended)
	assert.Equal(t, 0, f.liveTokens(t, s.RefreshToken))
}

func TestRefreshRejectsInactiveTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.login(t)

	require.NoError(t, f.admin.SetTenantActive(ctx, f.acme.ID, false))
	_, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrTenantInactive)
}

func refreshConcurrently(t *testing.T, f *fixture, raw string, callers int) ([]auth.Session, []error) {
	t.Helper()
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]auth.Session, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.refresh.Refresh(context.Background(), raw)
		}(i)
	}
	close(start)
	wg.Wait()
	return results, errs
}

func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	f := newFixture(t)
	const callers = 16

	for iter := 0; iter < 25; iter++ {
		s := f.login(t)
		before := f.store.rotations.Load()

		results, errs := refreshConcurrently(t, f, s.RefreshToken, callers)
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i], "iteration %d caller %d", iter, i)
			assert.Equal(t, results[0].RefreshToken, results[i].RefreshToken)
			assert.Equal(t, results[0].AccessToken, results[i].AccessToken)
		}
		assert.EqualValues(t, 1, f.store.rotations.Load()-before)
		assert.Equal(t, 1, f.liveTokens(t, s.RefreshToken, results[0].RefreshToken))
	}
	assert.NotContains(t, f.events.names(), auth.EventTokenReuse)
}

func TestLateDuplicateReplaysUntilSuccessorRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.login(t)

	next, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	again, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, next, again)
	assert.EqualValues(t, 1, f.store.rotations.Load())

	_, err = f.refresh.Refresh(ctx, next.RefreshToken)
	require.NoError(t, err)
	_, err = f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshReused)
}

func TestRefreshRetriesOnceAfterStoreConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.login(t)
	f.store.conflicts.Store(1)

	next, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.store.rotations.Load())
	assert.Equal(t, 1, f.liveTokens(t, s.RefreshToken, next.RefreshToken))

	s = f.login(t)
	f.store.conflicts.Store(2)
	_, err = f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshBusy)
	assert.Equal(t, 1, f.liveTokens(t, s.RefreshToken), "a lost write leaves the token usable")
}

func TestRefreshGraceExpires(t *testing.T) {
	f := newFixture(t, auth.WithReuseGrace(10*time.Second))
	ctx := context.Background()
	s := f.login(t)

	first, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	replay, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, replay.RefreshToken)

	f.clock.Advance(11 * time.Second)
	_, err = f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshReused)
}

func TestRefreshWaitTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, auth.WithRefreshWait(50*time.Millisecond))
	f.store.gate = make(chan struct{})
	ctx := context.Background()
	s := f.login(t)

	_, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshBusy)

	close(f.store.gate)
	require.Eventually(t, func() bool {
		rec, err := f.store.RefreshTokens().FindByHash(ctx, auth.HashRefreshToken(s.RefreshToken))
		return err == nil && rec.Revoked()
	}, 2*time.Second, 10*time.Millisecond)

	// The client retries with the only cookie it has and receives the
	// successor committed by the abandoned rotation.
	f.clock.Advance(time.Second)
	retry, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.store.rotations.Load())
	assert.Equal(t, 1, f.liveTokens(t, s.RefreshToken, retry.RefreshToken))
	assert.NotContains(t, f.events.names(), auth.EventTokenReuse)
}

func TestLogoutRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.login(t)
	next, err := f.refresh.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, next.RefreshToken))
	assert.Equal(t, 0, f.liveTokens(t, s.RefreshToken, next.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, "unknown"))
	ev, ok := f.events.last(auth.EventLogout)
	require.True(t, ok)
	assert.Equal(t, f.acme.ID, ev.TenantID)
}
