// Package httpapi exposes the identity service over HTTP and gRPC.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/authz"
	"github.com/waqedi/identity/internal/obs"
	"github.com/waqedi/identity/internal/ratelimit"
)

const serviceName = "identity"

// Sessions is the login and token surface of auth.Service.
type Sessions interface {
	Authenticate(ctx context.Context, c auth.Credentials) (auth.Session, error)
	Refresh(ctx context.Context, raw string) (auth.Session, error)
	Logout(ctx context.Context, raw string) error
	Verify(token string) (auth.TenantContext, error)
	TenantSlug(slug string) string
}

// Authorizer answers authorization questions from stored grants.
type Authorizer interface {
	Authorize(ctx context.Context, userID, resource, action string, t authz.Target) (authz.Decision, error)
}

// KeySet publishes verification keys.
type KeySet interface {
	JWKS() auth.JWKS
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the store behind the API.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the services the API serves.
type Deps struct {
	Sessions     Sessions
	Admin        *auth.AdminService
	Authz        Authorizer
	Keys         KeySet
	LoginLimiter ratelimit.Limiter
	IPLimiter    ratelimit.Limiter
	Ready        ReadyProbe
}

// Options tune the HTTP surface. Signup exposes self-service registration
// and email verification.
type Options struct {
	Version      string
	CookieSecure bool
	TrustProxy   bool
	MaxBodyBytes int64
	CORSOrigins  []string
	Signup       bool
}

// API is the HTTP layer.
type API struct {
	Deps
	opts Options
	now  func() time.Time
}

func New(d Deps, opts Options) (*API, error) {
	if d.Sessions == nil || d.Admin == nil || d.Authz == nil || d.Keys == nil {
		return nil, errors.New("httpapi: sessions, admin, authz and keys are required")
	}
	if d.LoginLimiter == nil {
		d.LoginLimiter = ratelimit.Unlimited{}
	}
	if d.IPLimiter == nil {
		d.IPLimiter = ratelimit.Unlimited{}
	}
	return &API{Deps: d, opts: opts, now: time.Now}, nil
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(a.opts.TrustProxy))
	r.Use(middleware.Recoverer)
	r.Use(Logging)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader, actAsTenantHeader, elevationHeader},
			ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
			AllowCredentials: true,
			MaxAge:           600,
		}))
	}
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.Get("/.well-known/jwks.json", a.jwks)

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(a.IPLimiter, a.opts.TrustProxy))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", a.login)
			r.Post("/refresh", a.refresh)
			r.Post("/logout", a.logout)
			r.With(a.authenticate).Get("/me", a.me)
			if a.opts.Signup {
				r.Post("/signup", a.signup)
				r.Post("/verify-email", a.verifyEmail)
			}
		})

		r.Route("/v1", func(r chi.Router) {
			r.Use(a.authenticate)
			r.Post("/authorize", a.authorize)

			r.Group(func(r chi.Router) {
				r.Use(a.elevate)
				r.Get("/users", a.listUsers)
				r.Post("/users", a.createUser)
				r.Get("/users/{id}", a.getUser)
				r.Patch("/users/{id}/status", a.setUserStatus)
				r.Get("/users/{id}/roles", a.userRoles)
				r.Post("/users/{id}/roles", a.assignRole)
				r.Delete("/users/{id}/roles/{roleID}", a.revokeRole)
				r.Get("/roles", a.listRoles)
				r.Post("/roles", a.createRole)
				r.Put("/roles/{id}/permissions", a.setRolePermissions)
				r.Get("/permissions", a.listPermissions)
				r.Get("/departments", a.listDepartments)
				r.Post("/departments", a.createDepartment)
			})
			r.Get("/tenants", a.listTenants)
			r.Post("/tenants", a.createTenant)
			r.Post("/tenants/{id}/deactivate", a.deactivateTenant)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "")
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.Keys.JWKS())
}
