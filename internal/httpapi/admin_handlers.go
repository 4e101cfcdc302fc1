package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/authz"
)

type authorizeRequest struct {
	Resource string       `json:"resource" validate:"required,max=64"`
	Action   string       `json:"action" validate:"required,max=64"`
	Target   authz.Target `json:"target"`
}

type createUserRequest struct {
	Email        string   `json:"email" validate:"required,email,max=254"`
	Secret       string   `json:"secret" validate:"required,min=8,max=1024"`
	DepartmentID string   `json:"department_id" validate:"omitempty,max=64"`
	Roles        []string `json:"roles" validate:"omitempty,max=16,dive,required,max=64"`
}

type userStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending active suspended deleted"`
}

type assignRoleRequest struct {
	RoleID    string `json:"role_id" validate:"required,max=64"`
	ScopeType string `json:"scope_type" validate:"omitempty,oneof=department collection"`
	ScopeID   string `json:"scope_id" validate:"required_with=ScopeType,max=64"`
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=64"`
	Description string   `json:"description" validate:"omitempty,max=500"`
	Scope       string   `json:"scope" validate:"required,oneof=tenant department"`
	Permissions []string `json:"permissions" validate:"omitempty,max=64,dive,required,max=200"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"max=64,dive,required,max=200"`
}

type createDepartmentRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	ParentID string `json:"parent_id" validate:"omitempty,max=64"`
}

type createTenantRequest struct {
	Slug string `json:"slug" validate:"required,max=63"`
	Name string `json:"name" validate:"required,max=200"`
	Tier string `json:"tier" validate:"omitempty,oneof=free standard enterprise"`
}

// authorize re-resolves the caller's stored grants, so qualified grants and
// revocations since token issue are honoured.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	d, err := a.Authz.Authorize(r.Context(), callerFrom(r).UserID(), req.Resource, req.Action, req.Target)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// require checks the caller against the stored grants. The resolver records
// the denial.
func (a *API) require(r *http.Request, resource, action string, t authz.Target) error {
	d, err := a.Authz.Authorize(r.Context(), callerFrom(r).UserID(), resource, action, t)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return auth.ErrPermissionDenied
	}
	return nil
}

// targetUser loads a user of the effective tenant and checks the caller may
// perform action on them. Callers without the permission see 403 whether or
// not the user exists.
func (a *API) targetUser(r *http.Request, action string) (auth.User, error) {
	tenantID := auth.EffectiveTenant(r.Context())
	u, err := a.Admin.GetUser(r.Context(), tenantID, chi.URLParam(r, "id"))
	if errors.Is(err, auth.ErrNotFound) {
		if perr := a.require(r, "users", action, authz.Target{TenantID: tenantID}); perr != nil {
			return auth.User{}, perr
		}
		return auth.User{}, err
	}
	if err != nil {
		return auth.User{}, err
	}
	t := authz.Target{TenantID: u.TenantID, DepartmentID: u.DepartmentID, OwnerID: u.ID}
	if err := a.require(r, "users", action, t); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	tenantID := auth.EffectiveTenant(r.Context())
	t := authz.Target{TenantID: tenantID, DepartmentID: req.DepartmentID}
	if err := a.require(r, "users", "create", t); err != nil {
		respondError(w, r, err)
		return
	}
	u, err := a.Admin.CreateUser(r.Context(), auth.NewUser{
		TenantID:     tenantID,
		DepartmentID: req.DepartmentID,
		Email:        req.Email,
		Secret:       req.Secret,
		Roles:        req.Roles,
		GrantedBy:    callerFrom(r).UserID(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// listUsers answers for the whole tenant, or for one department when
// ?department_id is set so department-scoped grants can read it.
func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.EffectiveTenant(r.Context())
	dept := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if err := a.require(r, "users", "read", authz.Target{TenantID: tenantID, DepartmentID: dept}); err != nil {
		respondError(w, r, err)
		return
	}
	users, err := a.Admin.ListUsers(r.Context(), tenantID, dept)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.targetUser(r, "read")
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) userRoles(w http.ResponseWriter, r *http.Request) {
	u, err := a.targetUser(r, "read")
	if err != nil {
		respondError(w, r, err)
		return
	}
	list, err := a.Admin.UserAssignments(r.Context(), u.TenantID, u.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": nonNil(list)})
}

func (a *API) setUserStatus(w http.ResponseWriter, r *http.Request) {
	var req userStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	target, err := a.targetUser(r, "update")
	if err != nil {
		respondError(w, r, err)
		return
	}
	u, err := a.Admin.SetUserStatus(r.Context(), target.TenantID, target.ID, req.Status, callerFrom(r).UserID())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "roles", "assign", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	got, err := a.Admin.AssignRole(r.Context(), tenantID, auth.Assignment{
		UserID:    chi.URLParam(r, "id"),
		RoleID:    strings.TrimSpace(req.RoleID),
		ScopeType: req.ScopeType,
		ScopeID:   strings.TrimSpace(req.ScopeID),
		GrantedBy: callerFrom(r).UserID(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "roles", "assign", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	err := a.Admin.RevokeRole(r.Context(), tenantID, chi.URLParam(r, "id"), chi.URLParam(r, "roleID"), callerFrom(r).UserID())
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "roles", "read", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	roles, err := a.Admin.ListRoles(r.Context(), tenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	if err := a.require(r, "roles", "read", authz.Target{TenantID: auth.EffectiveTenant(r.Context())}); err != nil {
		respondError(w, r, err)
		return
	}
	perms, err := a.Admin.ListPermissions(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "roles", "create", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	role, err := a.Admin.CreateRole(r.Context(), tenantID, req.Name, req.Description, req.Scope, req.Permissions)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "roles", "update", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	role, err := a.Admin.SetRolePermissions(r.Context(), tenantID, chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) listDepartments(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "departments", "read", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	list, err := a.Admin.ListDepartments(r.Context(), tenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": nonNil(list)})
}

func (a *API) createDepartment(w http.ResponseWriter, r *http.Request) {
	var req createDepartmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	tenantID := auth.EffectiveTenant(r.Context())
	if err := a.require(r, "departments", "create", authz.Target{TenantID: tenantID}); err != nil {
		respondError(w, r, err)
		return
	}
	d, err := a.Admin.CreateDepartment(r.Context(), tenantID, req.Name, strings.TrimSpace(req.ParentID))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// Tenant management carries no tenant in its target, so only system-scope
// grants satisfy it.
func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.require(r, "tenants", "create", authz.Target{}); err != nil {
		respondError(w, r, err)
		return
	}
	t, err := a.Admin.CreateTenant(r.Context(), auth.NewTenant{Slug: req.Slug, Name: req.Name, Tier: req.Tier})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) listTenants(w http.ResponseWriter, r *http.Request) {
	if err := a.require(r, "tenants", "read", authz.Target{}); err != nil {
		respondError(w, r, err)
		return
	}
	tenants, err := a.Admin.ListTenants(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": nonNil(tenants)})
}

func (a *API) deactivateTenant(w http.ResponseWriter, r *http.Request) {
	if err := a.require(r, "tenants", "update", authz.Target{}); err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.Admin.SetTenantActive(r.Context(), chi.URLParam(r, "id"), false); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
