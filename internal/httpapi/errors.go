package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/audit"
	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/obs"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 7807 error document.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := Problem{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: audit.RequestID(r.Context()),
	}
	if status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="identity"`)
	}
	w.Header().Set("Content-Type", problemContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// statusFor maps service errors to an HTTP status and a client-safe detail.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrSignupRejected):
		return http.StatusBadRequest, "unable to create account"
	case errors.Is(err, auth.ErrVerificationInvalid):
		return http.StatusBadRequest, "invalid or expired verification token"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "access token expired"
	case errors.Is(err, auth.ErrTokenMalformed):
		return http.StatusUnauthorized, "access token invalid"
	case errors.Is(err, auth.ErrRefreshExpired):
		return http.StatusUnauthorized, "refresh token expired"
	case errors.Is(err, auth.ErrRefreshInvalid), errors.Is(err, auth.ErrRefreshReused):
		return http.StatusUnauthorized, "refresh token invalid"
	case errors.Is(err, auth.ErrTenantInactive):
		return http.StatusForbidden, "tenant inactive"
	case errors.Is(err, auth.ErrAccountSuspended):
		return http.StatusForbidden, "account not active"
	case errors.Is(err, auth.ErrEmailNotVerified):
		return http.StatusForbidden, "email not verified"
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden, "permission denied"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, auth.ErrImmutableRole):
		return http.StatusConflict, "system roles are immutable"
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict, "resource already exists"
	case errors.Is(err, auth.ErrRefreshBusy):
		return http.StatusServiceUnavailable, "refresh in progress, retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// respondError writes the problem document for err. Unknown errors are logged
// and never echoed to the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, r, status, detail)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
