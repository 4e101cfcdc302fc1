package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/authz"
	"github.com/waqedi/identity/internal/migrate"
	"github.com/waqedi/identity/internal/ratelimit"
	"github.com/waqedi/identity/internal/store/memory"
)

const testSecret = "correct horse battery"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type harness struct {
	store    *memory.Store
	svc      *auth.Service
	admin    *auth.AdminService
	resolver *authz.Resolver
	events   *recorder
	mail     *mailbox
	api      *API
	handler  http.Handler

	acme            auth.Tenant
	d1, d2          auth.Department
	tenantAdmin     auth.User
	analyst         auth.User
	analystInGlobex auth.User
}

func newHarness(t *testing.T, login ratelimit.Limiter) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: memory.New(), events: &recorder{}, mail: &mailbox{}}

	cat, err := migrate.DefaultCatalog()
	require.NoError(t, err)
	require.NoError(t, migrate.ApplyCatalog(ctx, h.store, cat))

	hasher, err := auth.NewHasher(auth.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	ring, err := auth.NewKeyRing(auth.RSAKey("k1", signingKey()))
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(ring)
	require.NoError(t, err)
	refresh := auth.NewRefreshCoordinator(h.store, issuer, auth.WithRefreshEvents(h.events))
	h.svc, err = auth.NewService(h.store, hasher, issuer, refresh,
		auth.WithDefaultTenant("acme"),
		auth.WithEvents(h.events))
	require.NoError(t, err)
	h.resolver = authz.NewResolver(h.store.Users(), h.store.Roles(),
		authz.WithCache(authz.NewPrincipalCache(64, time.Minute)),
		authz.WithEvents(h.events))
	h.admin, err = auth.NewAdminService(h.store, hasher,
		auth.WithDefaultRole("viewer"),
		auth.WithAdminEvents(h.events),
		auth.WithVerificationSender(h.mail),
		auth.WithGrantInvalidator(h.resolver.Invalidate))
	require.NoError(t, err)

	h.api, err = New(Deps{
		Sessions:     h.svc,
		Admin:        h.admin,
		Authz:        h.resolver,
		Keys:         ring,
		LoginLimiter: login,
		Ready:        ReadyProbe{Store: h.store},
	}, Options{Version: "test", CookieSecure: true, MaxBodyBytes: 1 << 16, Signup: true})
	require.NoError(t, err)
	h.handler = h.api.Handler()

	h.acme, err = h.admin.CreateTenant(ctx, auth.NewTenant{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)
	h.d1, err = h.admin.CreateDepartment(ctx, h.acme.ID, "D1", "")
	require.NoError(t, err)
	h.d2, err = h.admin.CreateDepartment(ctx, h.acme.ID, "D2", "")
	require.NoError(t, err)
	h.tenantAdmin, err = h.admin.CreateUser(ctx, auth.NewUser{
		TenantID: h.acme.ID, Email: "admin@acme.test", Secret: testSecret, Roles: []string{"tenant_admin"},
	})
	require.NoError(t, err)
	h.analyst, err = h.admin.CreateUser(ctx, auth.NewUser{
		TenantID: h.acme.ID, DepartmentID: h.d1.ID, Email: "analyst@acme.test", Secret: testSecret, Roles: []string{"analyst"},
	})
	require.NoError(t, err)

	globex, err := h.admin.CreateTenant(ctx, auth.NewTenant{Slug: "globex", Name: "Globex"})
	require.NoError(t, err)
	h.analystInGlobex, err = h.admin.CreateUser(ctx, auth.NewUser{
		TenantID: globex.ID, Email: "analyst@acme.test", Secret: "another secret", Roles: []string{"viewer"},
	})
	require.NoError(t, err)
	return h
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

func (r *recorder) named(name string) []auth.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []auth.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// mailbox keeps the last verification token sent to each address.
type mailbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *mailbox) SendVerification(_ context.Context, u auth.User, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]string)
	}
	m.tokens[u.Email] = token
	return nil
}

func (m *mailbox) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

type call struct {
	method string
	path   string
	body   any
	token  string
	cookie *http.Cookie
	header map[string]string
}

func (h *harness) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.RemoteAddr = "10.1.2.3:4567"
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(authHeader, bearer+c.token)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

// login returns the access token and refresh cookie of a successful login.
func (h *harness) login(t *testing.T, email string) (string, *http.Cookie) {
	t.Helper()
	rr := h.do(t, call{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"tenant_slug": "acme", "email": email, "secret": testSecret,
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tok))
	return tok.AccessToken, refreshCookieOf(t, rr)
}

func refreshCookieOf(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == refreshCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", refreshCookie)
	return nil
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) Problem {
	t.Helper()
	require.Equal(t, problemContentType, rr.Header().Get("Content-Type"))
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}
