package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type tenantContextKey struct{}
type elevationContextKey struct{}
type tokenContextKey struct{}

// TenantContext is the verified identity of a request. It is built once from
// access token claims and cannot be modified afterwards; getters return copies.
type TenantContext struct {
	userID       string
	tenantID     string
	departmentID string
	tokenID      string
	roles        []string
	permissions  []string
	expiresAt    time.Time
}

// NewTenantContext builds the context from verified claims.
func NewTenantContext(c *AccessClaims) TenantContext {
	tc := TenantContext{
		userID:       c.Subject,
		tenantID:     c.TenantID,
		departmentID: c.DepartmentID,
		tokenID:      c.ID,
		roles:        append([]string(nil), c.Roles...),
		permissions:  append([]string(nil), c.Permissions...),
	}
	if c.ExpiresAt != nil {
		tc.expiresAt = c.ExpiresAt.Time
	}
	return tc
}

func (tc TenantContext) UserID() string       { return tc.userID }
func (tc TenantContext) TenantID() string     { return tc.tenantID }
func (tc TenantContext) DepartmentID() string { return tc.departmentID }
func (tc TenantContext) TokenID() string      { return tc.tokenID }
func (tc TenantContext) ExpiresAt() time.Time { return tc.expiresAt }

// Roles returns a copy of the role names.
func (tc TenantContext) Roles() []string { return append([]string(nil), tc.roles...) }

// Permissions returns a copy of the permission strings.
func (tc TenantContext) Permissions() []string { return append([]string(nil), tc.permissions...) }

// HasSystemScope reports whether any carried permission has system scope.
func (tc TenantContext) HasSystemScope() bool {
	for _, raw := range tc.permissions {
		p, err := ParsePermission(raw)
		if err == nil && p.Scope == ScopeSystem {
			return true
		}
	}
	return false
}

// WithTenantContext attaches the verified identity to ctx.
func WithTenantContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// TenantFromContext extracts the verified identity.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	if ctx == nil {
		return TenantContext{}, false
	}
	tc, ok := ctx.Value(tenantContextKey{}).(TenantContext)
	if !ok || tc.userID == "" {
		return TenantContext{}, false
	}
	return tc, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Elevation is an explicit, audited grant to act on another tenant. It lives
// beside the TenantContext and never replaces it.
type Elevation struct {
	actor     TenantContext
	tenantID  string
	reason    string
	grantedAt time.Time
}

func (e Elevation) Actor() TenantContext { return e.actor }
func (e Elevation) TenantID() string     { return e.tenantID }
func (e Elevation) Reason() string       { return e.reason }
func (e Elevation) GrantedAt() time.Time { return e.grantedAt }

// Elevate lets a caller holding a system-scope permission act on targetTenant.
// The elevation is always recorded.
func Elevate(ctx context.Context, rec EventRecorder, targetTenant, reason string) (context.Context, Elevation, error) {
	tc, ok := TenantFromContext(ctx)
	if !ok {
		return ctx, Elevation{}, ErrPermissionDenied
	}
	targetTenant = strings.TrimSpace(targetTenant)
	reason = strings.TrimSpace(reason)
	if targetTenant == "" || reason == "" {
		return ctx, Elevation{}, fmt.Errorf("%w: elevation requires target tenant and reason", ErrInvalidInput)
	}
	if rec == nil {
		rec = NopRecorder
	}
	if !tc.HasSystemScope() {
		rec.Record(ctx, Event{
			Name:     EventElevation,
			TenantID: tc.TenantID(),
			UserID:   tc.UserID(),
			Reason:   "no system scope",
			Fields:   map[string]any{"target_tenant_id": targetTenant},
		})
		return ctx, Elevation{}, ErrPermissionDenied
	}
	e := Elevation{actor: tc, tenantID: targetTenant, reason: reason, grantedAt: time.Now().UTC()}
	rec.Record(ctx, Event{
		Name:     EventElevation,
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Success:  true,
		Reason:   reason,
		Fields:   map[string]any{"target_tenant_id": targetTenant},
	})
	return context.WithValue(ctx, elevationContextKey{}, e), e, nil
}

// ElevationFromContext returns the elevation attached by Elevate.
func ElevationFromContext(ctx context.Context) (Elevation, bool) {
	if ctx == nil {
		return Elevation{}, false
	}
	e, ok := ctx.Value(elevationContextKey{}).(Elevation)
	return e, ok
}

// EffectiveTenant is the elevated tenant when present, else the caller's own.
func EffectiveTenant(ctx context.Context) string {
	if e, ok := ElevationFromContext(ctx); ok {
		return e.tenantID
	}
	if tc, ok := TenantFromContext(ctx); ok {
		return tc.tenantID
	}
	return ""
}
