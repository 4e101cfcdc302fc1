package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
	"github.com/waqedi/identity/internal/store/memory"
)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

// fastParams keeps argon2 cheap in tests.
var fastParams = auth.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gatedStore counts rotations, can hold them until gate is closed and can
// fail the next rotations with a write conflict.
type gatedStore struct {
	*memory.Store
	gate      chan struct{}
	rotations atomic.Int32
	conflicts atomic.Int32
}

func (g *gatedStore) RefreshTokens() auth.RefreshTokenStore {
	return gatedTokens{RefreshTokenStore: g.Store.RefreshTokens(), g: g}
}

type gatedTokens struct {
	auth.RefreshTokenStore
	g *gatedStore
}

func (t gatedTokens) Rotate(ctx context.Context, oldID string, next *auth.RefreshToken, at time.Time) error {
	t.g.rotations.Add(1)
	if t.g.conflicts.Add(-1) >= 0 {
		return auth.ErrConflict
	}
	t.g.conflicts.Store(0)
	if t.g.gate != nil {
		<-t.g.gate
	}
	return t.RefreshTokenStore.Rotate(ctx, oldID, next, at)
}

type recorder struct {
	mu     sync.Mutex
	events []auth.Event
}

func (r *recorder) Record(_ context.Context, ev auth.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

// last returns the most recent event called name.
func (r *recorder) last(name string) (auth.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return auth.Event{}, false
}

type fixture struct {
	store   *gatedStore
	hasher  *auth.Hasher
	issuer  *auth.Issuer
	refresh *auth.RefreshCoordinator
	svc     *auth.Service
	admin   *auth.AdminService
	clock   *fakeClock
	events  *recorder

	acme    auth.Tenant
	analyst auth.User
	d1, d2  auth.Department
}

const analystSecret = "correct horse battery"

func newFixture(t *testing.T, opts ...auth.RefreshOption) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  &gatedStore{Store: memory.New()},
		clock:  newClock(),
		events: &recorder{},
	}
	var err error
	f.hasher, err = auth.NewHasher(fastParams)
	require.NoError(t, err)

	ring, err := auth.NewKeyRing(auth.RSAKey("k1", testRSAKey(t)))
	require.NoError(t, err)
	f.issuer, err = auth.NewIssuer(ring, auth.WithClock(f.clock.Now))
	require.NoError(t, err)

	opts = append([]auth.RefreshOption{auth.WithRefreshClock(f.clock.Now), auth.WithRefreshEvents(f.events)}, opts...)
	f.refresh = auth.NewRefreshCoordinator(f.store, f.issuer, opts...)
	f.svc, err = auth.NewService(f.store, f.hasher, f.issuer, f.refresh,
		auth.WithServiceClock(f.clock.Now), auth.WithEvents(f.events))
	require.NoError(t, err)
	f.admin, err = auth.NewAdminService(f.store, f.hasher, auth.WithAdminEvents(f.events))
	require.NoError(t, err)

	analystRole := auth.Role{ID: ids.New(), Name: "analyst", Scope: auth.RoleScopeDepartment, System: true}
	require.NoError(t, f.store.Roles().Create(ctx, &analystRole))
	require.NoError(t, f.store.Roles().SetPermissions(ctx, analystRole.ID, []auth.Permission{
		{Resource: "documents", Action: "read", Scope: auth.ScopeDepartment},
	}))

	f.acme, err = f.admin.CreateTenant(ctx, auth.NewTenant{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)
	f.d1, err = f.admin.CreateDepartment(ctx, f.acme.ID, "D1", "")
	require.NoError(t, err)
	f.d2, err = f.admin.CreateDepartment(ctx, f.acme.ID, "D2", "")
	require.NoError(t, err)
	f.analyst, err = f.admin.CreateUser(ctx, auth.NewUser{
		TenantID:     f.acme.ID,
		DepartmentID: f.d1.ID,
		Email:        "Analyst@Acme.test",
		Secret:       analystSecret,
		Roles:        []string{"analyst"},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) login(t *testing.T) auth.Session {
	t.Helper()
	s, err := f.svc.Authenticate(context.Background(), auth.Credentials{
		TenantSlug: "acme", Email: "analyst@acme.test", Secret: analystSecret,
	})
	require.NoError(t, err)
	return s
}

// liveTokens counts unrevoked refresh tokens of the user.
func (f *fixture) liveTokens(t *testing.T, raws ...string) int {
	t.Helper()
	n := 0
	for _, raw := range raws {
		rec, err := f.store.Store.RefreshTokens().FindByHash(context.Background(), auth.HashRefreshToken(raw))
		require.NoError(t, err)
		if !rec.Revoked() {
			n++
		}
	}
	return n
}
