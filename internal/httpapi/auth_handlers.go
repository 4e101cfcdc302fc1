package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/obs"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/auth"
)

type loginRequest struct {
	TenantSlug string `json:"tenant_slug" validate:"omitempty,max=63"`
	Email      string `json:"email" validate:"required,max=254"`
	Secret     string `json:"secret" validate:"required,max=1024"`
}

type signupRequest struct {
	TenantSlug string `json:"tenant_slug" validate:"omitempty,max=63"`
	Email      string `json:"email" validate:"required,email,max=254"`
	Secret     string `json:"secret" validate:"required,min=8,max=1024"`
}

type signupResponse struct {
	UserID               string `json:"user_id"`
	Email                string `json:"email"`
	Status               string `json:"status"`
	VerificationRequired bool   `json:"verification_required"`
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required,max=256"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type meResponse struct {
	UserID          string    `json:"user_id"`
	TenantID        string    `json:"tenant_id"`
	EffectiveTenant string    `json:"effective_tenant_id"`
	DepartmentID    string    `json:"department_id,omitempty"`
	Roles           []string  `json:"roles"`
	Permissions     []string  `json:"permissions"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// resetter is implemented by limiters that can forget a key.
type resetter interface {
	Reset(key string)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	key := loginKey(a.Sessions.TenantSlug(req.TenantSlug), req.Email)
	d, err := a.LoginLimiter.Allow(r.Context(), key)
	if err != nil {
		obs.Logger().Warn("login rate limiter failed", zap.Error(err))
	} else if !d.Allowed {
		obs.RateLimited("login")
		tooManyRequests(w, r, d)
		return
	}

	session, err := a.Sessions.Authenticate(r.Context(), auth.Credentials{
		TenantSlug: req.TenantSlug,
		Email:      req.Email,
		Secret:     req.Secret,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rs, ok := a.LoginLimiter.(resetter); ok {
		rs.Reset(key)
	}
	a.writeSession(w, session)
}

// signup creates a pending account; it cannot log in until the emailed
// token is redeemed at /auth/verify-email.
func (a *API) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	u, err := a.Admin.Signup(r.Context(), auth.NewSignup{
		TenantSlug: a.Sessions.TenantSlug(req.TenantSlug),
		Email:      req.Email,
		Secret:     req.Secret,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, signupResponse{
		UserID:               u.ID,
		Email:                u.Email,
		Status:               u.Status,
		VerificationRequired: true,
	})
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	u, err := a.Admin.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "status": u.Status})
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		writeProblem(w, r, http.StatusUnauthorized, "refresh token missing")
		return
	}
	session, err := a.Sessions.Refresh(r.Context(), c.Value)
	if err != nil {
		if !errors.Is(err, auth.ErrRefreshBusy) {
			a.clearRefreshCookie(w)
		}
		respondError(w, r, err)
		return
	}
	a.writeSession(w, session)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		if err := a.Sessions.Logout(r.Context(), c.Value); err != nil {
			respondError(w, r, err)
			return
		}
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	tc := callerFrom(r)
	writeJSON(w, http.StatusOK, meResponse{
		UserID:          tc.UserID(),
		TenantID:        tc.TenantID(),
		EffectiveTenant: auth.EffectiveTenant(r.Context()),
		DepartmentID:    tc.DepartmentID(),
		Roles:           nonNil(tc.Roles()),
		Permissions:     nonNil(tc.Permissions()),
		ExpiresAt:       tc.ExpiresAt(),
	})
}

func (a *API) writeSession(w http.ResponseWriter, s auth.Session) {
	now := a.now()
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    s.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  s.RefreshExpiresAt,
		MaxAge:   int(s.RefreshExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set("Cache-Control", "no-store")
	expiresIn := int64(s.AccessExpiresAt.Sub(now).Round(time.Second) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// loginKey buckets attempts per account; tenant is already resolved.
func loginKey(tenant, email string) string {
	return tenant + "|" + strings.ToLower(strings.TrimSpace(email))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
