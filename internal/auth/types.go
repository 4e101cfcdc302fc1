package auth

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tenant tiers.
const (
	TierFree       = "free"
	TierStandard   = "standard"
	TierEnterprise = "enterprise"
)

// User statuses. Only active users may authenticate or refresh.
const (
	UserStatusPending   = "pending"
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusDeleted   = "deleted"
)

// Role scopes.
const (
	RoleScopeSystem     = "system"
	RoleScopeTenant     = "tenant"
	RoleScopeDepartment = "department"
)

// Permission scopes, widest last.
const (
	ScopeOwn        = "own"
	ScopeDepartment = "department"
	ScopeTenant     = "tenant"
	ScopeSystem     = "system"
)

// Assignment qualifiers narrowing a role grant to one organisational unit.
const (
	QualifierDepartment = "department"
	QualifierCollection = "collection"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

// Tenant is an isolated customer organisation. Tenants are never deleted.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Department is an organisational unit inside a tenant.
type Department struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a human account bound to exactly one tenant.
type User struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	DepartmentID string     `json:"department_id,omitempty"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       string     `json:"status"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the user may hold credentials.
func (u User) Active() bool { return u.Status == UserStatusActive }

// Role groups permissions. System roles have no tenant and are immutable.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Scope       string    `json:"scope"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a (resource, action, scope) triple.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Scope    string `json:"scope"`
}

// String renders the canonical resource:action:scope form.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action + ":" + p.Scope
}

// Matches reports whether the permission covers resource and action.
func (p Permission) Matches(resource, action string) bool {
	return (p.Resource == Wildcard || p.Resource == resource) &&
		(p.Action == Wildcard || p.Action == action)
}

// ParsePermission decodes the resource:action:scope form.
func ParsePermission(s string) (Permission, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Permission{}, fmt.Errorf("%w: permission %q", ErrInvalidInput, s)
	}
	p := Permission{Resource: parts[0], Action: parts[1], Scope: parts[2]}
	if p.Resource == "" || p.Action == "" {
		return Permission{}, fmt.Errorf("%w: permission %q", ErrInvalidInput, s)
	}
	if !validPermissionScope(p.Scope) {
		return Permission{}, fmt.Errorf("%w: permission scope %q", ErrInvalidInput, p.Scope)
	}
	return p, nil
}

func validPermissionScope(s string) bool {
	switch s {
	case ScopeOwn, ScopeDepartment, ScopeTenant, ScopeSystem:
		return true
	}
	return false
}

func validRoleScope(s string) bool {
	switch s {
	case RoleScopeSystem, RoleScopeTenant, RoleScopeDepartment:
		return true
	}
	return false
}

// Assignment grants a role to a user, optionally qualified to a unit.
type Assignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	ScopeType string    `json:"scope_type,omitempty"`
	ScopeID   string    `json:"scope_id,omitempty"`
	GrantedBy string    `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Grant is an assignment joined with its role and the role's permissions.
type Grant struct {
	Role        Role
	ScopeType   string
	ScopeID     string
	Permissions []Permission
}

// Qualified reports whether the grant is narrowed to a single unit.
func (g Grant) Qualified() bool { return g.ScopeType != "" }

// RefreshToken is the persisted half of an opaque refresh credential.
// Only the SHA-256 hash of the presented value is stored.
type RefreshToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	FamilyID  string     `json:"family_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the token was rotated away or revoked.
func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// EmailVerification proves control of a signup address. Only the SHA-256
// hash of the mailed token is stored.
type EmailVerification struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

// Principal is an authenticated user together with the grants it holds.
type Principal struct {
	UserID       string
	TenantID     string
	DepartmentID string
	Grants       []Grant
}

// RoleNames returns the sorted distinct role names.
func (p Principal) RoleNames() []string {
	seen := make(map[string]struct{}, len(p.Grants))
	out := make([]string, 0, len(p.Grants))
	for _, g := range p.Grants {
		if _, ok := seen[g.Role.Name]; ok {
			continue
		}
		seen[g.Role.Name] = struct{}{}
		out = append(out, g.Role.Name)
	}
	sort.Strings(out)
	return out
}

// TokenPermissions flattens permissions for embedding into an access token.
// Qualified grants are left out: claims cannot express the qualifier, so
// those grants are only honoured by decisions that reload grants.
func (p Principal) TokenPermissions() []string {
	set := make(map[string]struct{})
	for _, g := range p.Grants {
		if g.Qualified() {
			continue
		}
		for _, perm := range g.Permissions {
			set[perm.String()] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Session is the result of a successful login or refresh.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Principal        Principal
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
