package auth

import (
	"context"
	"time"
)

// Audit event names.
const (
	EventLoginSuccess  = "auth.login.success"
	EventLoginFailure  = "auth.login.failure"
	EventTokenRefresh  = "auth.token.refresh"
	EventTokenReuse    = "auth.token.reuse_attempt"
	EventLogout        = "auth.logout"
	EventSignup        = "auth.signup"
	EventSignupFailure = "auth.signup.failure"
	EventEmailVerified = "auth.email.verified"
	EventElevation     = "auth.elevation"
	EventAccessDenied  = "authz.denied"
	EventUserCreated   = "admin.user.created"
	EventUserStatus    = "admin.user.status_changed"
	EventRoleAssigned  = "admin.role.assigned"
	EventRoleRevoked   = "admin.role.revoked"
	EventRoleCreated   = "admin.role.created"
	EventRoleUpdated   = "admin.role.permissions_changed"
	EventDeptCreated   = "admin.department.created"
	EventTenantCreated = "admin.tenant.created"
	EventTenantStatus  = "admin.tenant.status_changed"
)

// Event is an append-only security record.
type Event struct {
	Name       string
	OccurredAt time.Time
	TenantID   string
	UserID     string
	Success    bool
	Reason     string
	Fields     map[string]any
}

// EventRecorder receives security events. Implementations must not block
// the caller on slow sinks for long and must never fail the operation.
type EventRecorder interface {
	Record(ctx context.Context, ev Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}

// NopRecorder discards events.
var NopRecorder EventRecorder = nopRecorder{}
