package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Tenants() TenantStore
	Departments() DepartmentStore
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
	EmailVerifications() EmailVerificationStore
}

// TenantStore manages tenants.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (Tenant, error)
	FindBySlug(ctx context.Context, slug string) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// DepartmentStore manages departments.
type DepartmentStore interface {
	Create(ctx context.Context, d *Department) error
	Find(ctx context.Context, tenantID, id string) (Department, error)
	List(ctx context.Context, tenantID string) ([]Department, error)
}

// UserStore manages users. Email lookups are always tenant-scoped.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (User, error)
	List(ctx context.Context, tenantID string) ([]User, error)
	SetStatus(ctx context.Context, id, status string) error
	SetPasswordHash(ctx context.Context, id, hash string) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// RoleStore manages roles, their permissions and user assignments.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (Role, error)
	// FindByName resolves a tenant role first and falls back to system roles.
	FindByName(ctx context.Context, tenantID, name string) (Role, error)
	List(ctx context.Context, tenantID string) ([]Role, error)
	SetPermissions(ctx context.Context, roleID string, perms []Permission) error
	Assign(ctx context.Context, a Assignment) error
	Unassign(ctx context.Context, userID, roleID string) error
	Assignments(ctx context.Context, userID string) ([]Assignment, error)
	// Grants returns every assignment of the user joined with role and permissions.
	Grants(ctx context.Context, userID string) ([]Grant, error)
	// Holders returns the ids of users assigned roleID.
	Holders(ctx context.Context, roleID string) ([]string, error)
}

// PermissionStore manages the global permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	FindByHash(ctx context.Context, hash string) (RefreshToken, error)
	// Rotate revokes oldID and inserts next atomically. It returns ErrConflict
	// when oldID was already revoked, leaving the store unchanged.
	Rotate(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	RevokeUser(ctx context.Context, userID string, at time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// EmailVerificationStore keeps hashed email verification tokens.
type EmailVerificationStore interface {
	Create(ctx context.Context, v *EmailVerification) error
	FindByHash(ctx context.Context, hash string) (EmailVerification, error)
	// Confirm marks the verification used and activates the user if still
	// pending, atomically. It returns ErrConflict when already confirmed.
	Confirm(ctx context.Context, id string, at time.Time) error
}
