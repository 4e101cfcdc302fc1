package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/waqedi/identity/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	actAsTenantHeader = "X-Act-As-Tenant"
	elevationHeader   = "X-Elevation-Reason"
)

var errMissingBearer = errors.New("missing bearer token")

// authenticate verifies the bearer access token and attaches the immutable
// TenantContext. Failures answer 401 with a Bearer challenge.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="identity"`)
			writeProblem(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		tc, err := a.Sessions.Verify(token)
		if err != nil {
			challenge := `Bearer realm="identity", error="invalid_token"`
			if errors.Is(err, auth.ErrTokenExpired) {
				challenge += `, error_description="token expired"`
			}
			w.Header().Set("WWW-Authenticate", challenge)
			respondError(w, r, err)
			return
		}
		ctx := auth.WithTenantContext(r.Context(), tc)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// elevate switches the effective tenant for callers with system scope when
// X-Act-As-Tenant is present. The reason header is mandatory.
func (a *API) elevate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := strings.TrimSpace(r.Header.Get(actAsTenantHeader))
		if target == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, _, err := auth.Elevate(r.Context(), a.events, target, r.Header.Get(elevationHeader))
		if err != nil {
			respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

func callerFrom(r *http.Request) auth.TenantContext {
	tc, _ := auth.TenantFromContext(r.Context())
	return tc
}
