// Package authz decides whether a principal may perform an action on a
// target. Decisions are pure functions of the principal's grants and the
// target attributes; nothing here writes.
package authz

import (
	"github.com/waqedi/identity/internal/auth"
)

// Target carries the attributes of the object being accessed. Empty fields
// never match.
type Target struct {
	TenantID     string `json:"tenant_id"`
	DepartmentID string `json:"department_id,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	CollectionID string `json:"collection_id,omitempty"`
}

// Decision is the outcome of Authorize. Permission names the grant that
// allowed the request.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Permission string `json:"permission,omitempty"`
	Role       string `json:"role,omitempty"`
	Reason     string `json:"reason"`
}

const (
	reasonSystemRole = "system role"
	reasonGranted    = "granted"
	reasonNoGrant    = "no matching permission"
	reasonScope      = "scope mismatch"
)

// Authorize evaluates p against resource, action and target. It denies by
// default and never consults anything outside its arguments.
func Authorize(p auth.Principal, resource, action string, t Target) Decision {
	for _, g := range p.Grants {
		if g.Role.Scope != auth.RoleScopeSystem {
			continue
		}
		for _, perm := range g.Permissions {
			if perm.Matches(resource, action) {
				return Decision{Allowed: true, Permission: perm.String(), Role: g.Role.Name, Reason: reasonSystemRole}
			}
		}
	}

	matched := false
	for _, g := range p.Grants {
		for _, perm := range g.Permissions {
			if !perm.Matches(resource, action) {
				continue
			}
			matched = true
			if !qualifierAllows(g, t) {
				continue
			}
			if scopeAllows(p, g, perm.Scope, t) {
				return Decision{Allowed: true, Permission: perm.String(), Role: g.Role.Name, Reason: reasonGranted}
			}
		}
	}
	if matched {
		return Decision{Reason: reasonScope}
	}
	return Decision{Reason: reasonNoGrant}
}

// qualifierAllows applies the assignment's unit restriction, if any.
func qualifierAllows(g auth.Grant, t Target) bool {
	switch g.ScopeType {
	case "":
		return true
	case auth.QualifierDepartment:
		return g.ScopeID != "" && t.DepartmentID == g.ScopeID
	case auth.QualifierCollection:
		return g.ScopeID != "" && t.CollectionID == g.ScopeID
	default:
		return false
	}
}

func scopeAllows(p auth.Principal, g auth.Grant, scope string, t Target) bool {
	switch scope {
	case auth.ScopeSystem:
		return true
	case auth.ScopeTenant:
		return p.TenantID != "" && t.TenantID == p.TenantID
	case auth.ScopeDepartment:
		if !sameTenant(p, t) {
			return false
		}
		dept := p.DepartmentID
		if g.ScopeType == auth.QualifierDepartment {
			// A department-qualified grant is anchored to that department,
			// not to the user's home department.
			dept = g.ScopeID
		}
		return dept != "" && t.DepartmentID == dept
	case auth.ScopeOwn:
		return sameTenant(p, t) && p.UserID != "" && t.OwnerID == p.UserID
	default:
		return false
	}
}

// sameTenant tolerates targets that carry no tenant, as department and owner
// identifiers are already tenant-unique.
func sameTenant(p auth.Principal, t Target) bool {
	return t.TenantID == "" || t.TenantID == p.TenantID
}

// FromClaims builds a claim-only principal from a verified request identity.
// Qualified grants are absent from tokens, so decisions made this way can
// only be stricter than ones made by a Resolver.
func FromClaims(tc auth.TenantContext) auth.Principal {
	perms := make([]auth.Permission, 0, len(tc.Permissions()))
	for _, raw := range tc.Permissions() {
		p, err := auth.ParsePermission(raw)
		if err != nil {
			continue
		}
		perms = append(perms, p)
	}
	return auth.Principal{
		UserID:       tc.UserID(),
		TenantID:     tc.TenantID(),
		DepartmentID: tc.DepartmentID(),
		Grants: []auth.Grant{{
			Role:        auth.Role{Name: "token", Scope: auth.RoleScopeTenant},
			Permissions: perms,
		}},
	}
}
