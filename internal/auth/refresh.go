package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/waqedi/identity/internal/obs"
)

const (
	defaultRefreshWait    = 5 * time.Second
	defaultRotateDeadline = 10 * time.Second
)

// RefreshCoordinator rotates refresh tokens. Concurrent calls presenting the
// same token share one rotation; the shared result is keyed by token hash, so
// unrelated refreshes never wait on each other.
//
// A finished rotation is remembered for a short replay window. A caller that
// presents the same token inside that window, while the successor is still
// the live member of the family, receives the identical session instead of
// tripping reuse detection.
type RefreshCoordinator struct {
	store  Store
	issuer *Issuer
	events EventRecorder
	now    func() time.Time

	flights  singleflight.Group
	wait     time.Duration
	deadline time.Duration
	grace    time.Duration

	// turnstile serializes rotations of one token inside this process, also
	// across a flight that was forgotten after its waiters timed out.
	turnMu    sync.Mutex
	turnstile map[string]chan struct{}

	recentMu  sync.Mutex
	recent    map[string]recentRotation
	abandoned map[string]time.Time
}

type recentRotation struct {
	session   Session
	successor string
	until     time.Time
}

// RefreshOption configures RefreshCoordinator.
type RefreshOption func(*RefreshCoordinator)

// WithRefreshWait bounds how long a caller waits for a shared rotation. It is
// also the shortest replay window.
func WithRefreshWait(d time.Duration) RefreshOption {
	return func(c *RefreshCoordinator) {
		if d > 0 {
			c.wait = d
		}
	}
}

// WithReuseGrace widens the replay window beyond the refresh wait.
func WithReuseGrace(d time.Duration) RefreshOption {
	return func(c *RefreshCoordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithRefreshEvents sets the audit recorder.
func WithRefreshEvents(rec EventRecorder) RefreshOption {
	return func(c *RefreshCoordinator) {
		if rec != nil {
			c.events = rec
		}
	}
}

// WithRefreshClock overrides the time source.
func WithRefreshClock(fn func() time.Time) RefreshOption {
	return func(c *RefreshCoordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewRefreshCoordinator constructs a coordinator over store and issuer.
func NewRefreshCoordinator(store Store, issuer *Issuer, opts ...RefreshOption) *RefreshCoordinator {
	c := &RefreshCoordinator{
		store:     store,
		issuer:    issuer,
		events:    NopRecorder,
		now:       time.Now,
		wait:      defaultRefreshWait,
		deadline:  defaultRotateDeadline,
		turnstile: make(map[string]chan struct{}),
		recent:    make(map[string]recentRotation),
		abandoned: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deadline < c.wait {
		c.deadline = c.wait
	}
	return c
}

// replayWindow is how long a finished rotation stays replayable. Rotations
// whose waiters gave up are kept until the client's retry can arrive.
func (c *RefreshCoordinator) replayWindow(abandoned bool) time.Duration {
	w := max(c.wait, c.grace)
	if abandoned {
		w = max(w, c.deadline+c.wait)
	}
	return w
}

// Refresh exchanges a refresh token for a new access token and a successor
// refresh token.
func (c *RefreshCoordinator) Refresh(ctx context.Context, raw string) (Session, error) {
	if raw == "" {
		obs.RefreshOutcome("invalid")
		return Session{}, ErrRefreshInvalid
	}
	key := HashRefreshToken(raw)
	if s, ok := c.replay(ctx, key); ok {
		obs.RefreshCoalesced()
		obs.RefreshOutcome("replayed")
		return s, nil
	}

	ch := c.flights.DoChan(key, func() (any, error) {
		// The rotation outlives the first caller: waiters depend on it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deadline)
		defer cancel()
		return c.rotateOnce(rctx, key)
	})

	timer := time.NewTimer(c.wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Shared {
			obs.RefreshCoalesced()
		}
		if res.Err != nil {
			obs.RefreshOutcome(refreshOutcome(res.Err))
			return Session{}, res.Err
		}
		obs.RefreshOutcome("rotated")
		return res.Val.(Session), nil
	case <-timer.C:
		// The next caller starts a new flight; the turnstile makes it wait for
		// this rotation and replay its result.
		c.flights.Forget(key)
		c.markAbandoned(key)
		obs.RefreshOutcome("busy")
		return Session{}, ErrRefreshBusy
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// rotateOnce runs one rotation of key under the turnstile. A store conflict
// means another writer won between lookup and write; the loser retries once
// as a fresh caller.
func (c *RefreshCoordinator) rotateOnce(ctx context.Context, key string) (Session, error) {
	release, err := c.enter(ctx, key)
	if err != nil {
		return Session{}, ErrRefreshBusy
	}
	defer release()

	for attempt := 0; ; attempt++ {
		if s, ok := c.replay(ctx, key); ok {
			return s, nil
		}
		s, successor, err := c.rotate(ctx, key)
		if errors.Is(err, ErrConflict) {
			if attempt == 0 {
				continue
			}
			return Session{}, ErrRefreshBusy
		}
		if err != nil {
			c.clearAbandoned(key)
			return Session{}, err
		}
		c.remember(key, s, successor)
		return s, nil
	}
}

func (c *RefreshCoordinator) rotate(ctx context.Context, hash string) (Session, string, error) {
	now := c.now().UTC()
	tokens := c.store.RefreshTokens()
	rec, err := tokens.FindByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return Session{}, "", ErrRefreshInvalid
	}
	if err != nil {
		return Session{}, "", err
	}
	if rec.Revoked() {
		c.breach(ctx, rec, now)
		return Session{}, "", ErrRefreshReused
	}
	if !now.Before(rec.ExpiresAt) {
		return Session{}, "", ErrRefreshExpired
	}

	user, err := c.store.Users().Find(ctx, rec.UserID)
	if errors.Is(err, ErrNotFound) {
		c.revokeFamily(ctx, rec, now, "user missing")
		return Session{}, "", ErrRefreshInvalid
	}
	if err != nil {
		return Session{}, "", err
	}
	tenant, err := c.store.Tenants().Find(ctx, user.TenantID)
	if err != nil {
		return Session{}, "", err
	}
	if !tenant.Active {
		c.revokeFamily(ctx, rec, now, "tenant inactive")
		return Session{}, "", ErrTenantInactive
	}
	if !user.Active() {
		c.revokeFamily(ctx, rec, now, "user "+user.Status)
		return Session{}, "", ErrAccountSuspended
	}

	principal, err := LoadPrincipal(ctx, c.store, user)
	if err != nil {
		return Session{}, "", err
	}
	session, next, err := c.issuer.Mint(principal, rec.FamilyID, now)
	if err != nil {
		return Session{}, "", err
	}
	if err := tokens.Rotate(ctx, rec.ID, next, now); err != nil {
		return Session{}, "", err
	}
	c.events.Record(ctx, Event{
		Name:     EventTokenRefresh,
		TenantID: user.TenantID,
		UserID:   user.ID,
		Success:  true,
		Fields:   map[string]any{"family_id": rec.FamilyID},
	})
	return session, next.TokenHash, nil
}

// breach handles a rotated token presented again: the family is compromised.
func (c *RefreshCoordinator) breach(ctx context.Context, rec RefreshToken, now time.Time) {
	n, err := c.store.RefreshTokens().RevokeFamily(ctx, rec.FamilyID, now)
	obs.RefreshReuse()
	obs.Logger().Error("refresh token reuse detected, family revoked",
		zap.String("user_id", rec.UserID),
		zap.String("family_id", rec.FamilyID),
		zap.String("token_id", rec.ID),
		zap.Int64("revoked", n),
		zap.Error(err),
	)
	c.events.Record(ctx, Event{
		Name:     EventTokenReuse,
		TenantID: c.tenantOf(ctx, rec.UserID),
		UserID:   rec.UserID,
		Reason:   "revoked token presented",
		Fields:   map[string]any{"family_id": rec.FamilyID, "token_id": rec.ID},
	})
}

func (c *RefreshCoordinator) revokeFamily(ctx context.Context, rec RefreshToken, now time.Time, reason string) {
	if _, err := c.store.RefreshTokens().RevokeFamily(ctx, rec.FamilyID, now); err != nil {
		obs.Logger().Warn("revoke refresh family failed",
			zap.String("family_id", rec.FamilyID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// Logout revokes the family of raw. Unknown tokens are ignored.
func (c *RefreshCoordinator) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	key := HashRefreshToken(raw)
	c.forget(key)
	rec, err := c.store.RefreshTokens().FindByHash(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := c.now().UTC()
	if _, err := c.store.RefreshTokens().RevokeFamily(ctx, rec.FamilyID, now); err != nil {
		return err
	}
	c.events.Record(ctx, Event{
		Name:     EventLogout,
		TenantID: c.tenantOf(ctx, rec.UserID),
		UserID:   rec.UserID,
		Success:  true,
		Fields:   map[string]any{"family_id": rec.FamilyID},
	})
	return nil
}

// tenantOf resolves the tenant for audit events. A failed lookup is logged
// and leaves the tenant empty.
func (c *RefreshCoordinator) tenantOf(ctx context.Context, userID string) string {
	user, err := c.store.Users().Find(ctx, userID)
	if err != nil {
		obs.Logger().Warn("refresh audit: user lookup failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return ""
	}
	return user.TenantID
}

// enter blocks until no other rotation of key runs in this process.
func (c *RefreshCoordinator) enter(ctx context.Context, key string) (func(), error) {
	for {
		c.turnMu.Lock()
		busy, ok := c.turnstile[key]
		if !ok {
			done := make(chan struct{})
			c.turnstile[key] = done
			c.turnMu.Unlock()
			return func() {
				c.turnMu.Lock()
				delete(c.turnstile, key)
				c.turnMu.Unlock()
				close(done)
			}, nil
		}
		c.turnMu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// replay returns the remembered session for key while its successor is
// still the live token of the family.
func (c *RefreshCoordinator) replay(ctx context.Context, key string) (Session, bool) {
	c.recentMu.Lock()
	r, ok := c.recent[key]
	if ok && !c.now().Before(r.until) {
		delete(c.recent, key)
		ok = false
	}
	c.recentMu.Unlock()
	if !ok {
		return Session{}, false
	}
	next, err := c.store.RefreshTokens().FindByHash(ctx, r.successor)
	if err != nil || next.Revoked() {
		c.forget(key)
		return Session{}, false
	}
	return r.session, true
}

func (c *RefreshCoordinator) remember(key string, s Session, successor string) {
	now := c.now()
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	for k, r := range c.recent {
		if !now.Before(r.until) {
			delete(c.recent, k)
		}
	}
	for k, at := range c.abandoned {
		if now.Sub(at) > c.replayWindow(true) {
			delete(c.abandoned, k)
		}
	}
	_, abandoned := c.abandoned[key]
	delete(c.abandoned, key)
	c.recent[key] = recentRotation{
		session:   s,
		successor: successor,
		until:     now.Add(c.replayWindow(abandoned)),
	}
}

// markAbandoned keeps the result of key's rotation long enough for the
// client's retry, whether the rotation already finished or not.
func (c *RefreshCoordinator) markAbandoned(key string) {
	now := c.now()
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	if r, ok := c.recent[key]; ok {
		if until := now.Add(c.replayWindow(true)); until.After(r.until) {
			r.until = until
			c.recent[key] = r
		}
		return
	}
	c.abandoned[key] = now
}

func (c *RefreshCoordinator) clearAbandoned(key string) {
	c.recentMu.Lock()
	delete(c.abandoned, key)
	c.recentMu.Unlock()
}

func (c *RefreshCoordinator) forget(key string) {
	c.recentMu.Lock()
	delete(c.recent, key)
	c.recentMu.Unlock()
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, ErrRefreshReused):
		return "reused"
	case errors.Is(err, ErrRefreshExpired):
		return "expired"
	case errors.Is(err, ErrRefreshInvalid):
		return "invalid"
	case errors.Is(err, ErrRefreshBusy):
		return "busy"
	case errors.Is(err, ErrTenantInactive), errors.Is(err, ErrAccountSuspended):
		return "inactive"
	default:
		return "error"
	}
}
