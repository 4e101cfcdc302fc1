package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/waqedi/identity/internal/ids"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// NewTenant is the input of AdminService.CreateTenant.
type NewTenant struct {
	Slug string
	Name string
	Tier string
}

// NewUser is the input of AdminService.CreateUser.
type NewUser struct {
	TenantID     string
	DepartmentID string
	Email        string
	Secret       string
	Roles        []string
	GrantedBy    string
}

// AdminService manages tenants, users and role assignments. Every call is
// bounded to the tenant passed in; records of other tenants read as missing.
type AdminService struct {
	store       Store
	hasher      *Hasher
	events      EventRecorder
	defaultRole string
	invalidate  func(userID string)
	sender      VerificationSender
	verifyTTL   time.Duration
	now         func() time.Time
}

// AdminOption configures AdminService.
type AdminOption func(*AdminService)

// WithDefaultRole names the role given to users created without roles.
func WithDefaultRole(name string) AdminOption {
	return func(s *AdminService) { s.defaultRole = strings.TrimSpace(name) }
}

// WithGrantInvalidator is called whenever the grants of a user change.
func WithGrantInvalidator(fn func(userID string)) AdminOption {
	return func(s *AdminService) {
		if fn != nil {
			s.invalidate = fn
		}
	}
}

// WithAdminEvents sets the audit recorder.
func WithAdminEvents(rec EventRecorder) AdminOption {
	return func(s *AdminService) {
		if rec != nil {
			s.events = rec
		}
	}
}

func NewAdminService(store Store, hasher *Hasher, opts ...AdminOption) (*AdminService, error) {
	if store == nil || hasher == nil {
		return nil, errors.New("auth: store and hasher are required")
	}
	s := &AdminService{
		store:      store,
		hasher:     hasher,
		events:     NopRecorder,
		invalidate: func(string) {},
		sender:     LogSender{},
		verifyTTL:  DefaultVerificationTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *AdminService) CreateTenant(ctx context.Context, in NewTenant) (Tenant, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if !slugPattern.MatchString(slug) {
		return Tenant{}, fmt.Errorf("%w: tenant slug %q", ErrInvalidInput, in.Slug)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	tier := strings.TrimSpace(in.Tier)
	if tier == "" {
		tier = TierStandard
	}
	switch tier {
	case TierFree, TierStandard, TierEnterprise:
	default:
		return Tenant{}, fmt.Errorf("%w: tenant tier %q", ErrInvalidInput, tier)
	}
	t := Tenant{ID: ids.New(), Slug: slug, Name: name, Tier: tier, Active: true}
	if err := s.store.Tenants().Create(ctx, &t); err != nil {
		return Tenant{}, err
	}
	s.events.Record(ctx, Event{Name: EventTenantCreated, TenantID: t.ID, Success: true,
		Fields: map[string]any{"slug": t.Slug}})
	return t, nil
}

func (s *AdminService) ListTenants(ctx context.Context) ([]Tenant, error) {
	return s.store.Tenants().List(ctx)
}

// SetTenantActive toggles a tenant. Deactivation also ends every refresh
// family in the tenant lazily: the next refresh observes the flag.
func (s *AdminService) SetTenantActive(ctx context.Context, tenantID string, active bool) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if err := s.store.Tenants().SetActive(ctx, tenantID, active); err != nil {
		return err
	}
	s.events.Record(ctx, Event{Name: EventTenantStatus, TenantID: tenantID, Success: true,
		Fields: map[string]any{"active": active}})
	return nil
}

func (s *AdminService) CreateDepartment(ctx context.Context, tenantID, name, parentID string) (Department, error) {
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return Department{}, fmt.Errorf("%w: tenant_id and name are required", ErrInvalidInput)
	}
	if parentID != "" {
		if _, err := s.store.Departments().Find(ctx, tenantID, parentID); err != nil {
			return Department{}, err
		}
	}
	d := Department{ID: ids.New(), TenantID: tenantID, Name: name, ParentID: parentID}
	if err := s.store.Departments().Create(ctx, &d); err != nil {
		return Department{}, err
	}
	s.events.Record(ctx, Event{Name: EventDeptCreated, TenantID: tenantID, UserID: actorOf(ctx), Success: true,
		Fields: map[string]any{"department_id": d.ID, "parent_id": parentID}})
	return d, nil
}

func (s *AdminService) ListDepartments(ctx context.Context, tenantID string) ([]Department, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.Departments().List(ctx, tenantID)
}

func (s *AdminService) CreateUser(ctx context.Context, in NewUser) (User, error) {
	u, roleNames, err := s.createUser(ctx, in, UserStatusActive)
	if err != nil {
		return User{}, err
	}
	s.events.Record(ctx, Event{Name: EventUserCreated, TenantID: u.TenantID, UserID: in.GrantedBy, Success: true,
		Fields: map[string]any{"target_user_id": u.ID, "roles": roleNames}})
	return u, nil
}

func (s *AdminService) createUser(ctx context.Context, in NewUser, status string) (User, []string, error) {
	email := normalizeEmail(in.Email)
	if in.TenantID == "" {
		return User{}, nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return User{}, nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(in.Secret) < 8 {
		return User{}, nil, fmt.Errorf("%w: secret must be at least 8 characters", ErrInvalidInput)
	}
	if _, err := s.store.Tenants().Find(ctx, in.TenantID); err != nil {
		return User{}, nil, err
	}
	if in.DepartmentID != "" {
		if _, err := s.store.Departments().Find(ctx, in.TenantID, in.DepartmentID); err != nil {
			return User{}, nil, err
		}
	}
	roleNames := dedupeStrings(in.Roles)
	if len(roleNames) == 0 && s.defaultRole != "" {
		roleNames = []string{s.defaultRole}
	}
	roles := make([]Role, 0, len(roleNames))
	for _, name := range roleNames {
		r, err := s.store.Roles().FindByName(ctx, in.TenantID, name)
		if errors.Is(err, ErrNotFound) {
			return User{}, nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, name)
		}
		if err != nil {
			return User{}, nil, err
		}
		if err := mayGrant(ctx, r); err != nil {
			return User{}, nil, err
		}
		roles = append(roles, r)
	}

	hash, err := s.hasher.Hash(in.Secret)
	if err != nil {
		return User{}, nil, err
	}
	u := User{
		ID:           ids.New(),
		TenantID:     in.TenantID,
		DepartmentID: in.DepartmentID,
		Email:        email,
		PasswordHash: hash,
		Status:       status,
	}
	if err := s.store.Users().Create(ctx, &u); err != nil {
		return User{}, nil, err
	}
	for _, r := range roles {
		if err := s.store.Roles().Assign(ctx, Assignment{UserID: u.ID, RoleID: r.ID, GrantedBy: in.GrantedBy}); err != nil {
			return User{}, nil, err
		}
	}
	return u, roleNames, nil
}

func (s *AdminService) GetUser(ctx context.Context, tenantID, userID string) (User, error) {
	u, err := s.store.Users().Find(ctx, strings.TrimSpace(userID))
	if err != nil {
		return User{}, err
	}
	if u.TenantID != tenantID {
		return User{}, ErrNotFound
	}
	return u, nil
}

// ListUsers lists the users of a tenant, narrowed to one department when
// departmentID is set.
func (s *AdminService) ListUsers(ctx context.Context, tenantID, departmentID string) ([]User, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	all, err := s.store.Users().List(ctx, tenantID)
	if err != nil || departmentID == "" {
		return all, err
	}
	out := make([]User, 0, len(all))
	for _, u := range all {
		if u.DepartmentID == departmentID {
			out = append(out, u)
		}
	}
	return out, nil
}

// SetUserStatus changes a user's status. Leaving active revokes every refresh
// token of the user.
func (s *AdminService) SetUserStatus(ctx context.Context, tenantID, userID, status, actorID string) (User, error) {
	switch status {
	case UserStatusPending, UserStatusActive, UserStatusSuspended, UserStatusDeleted:
	default:
		return User{}, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	u, err := s.GetUser(ctx, tenantID, userID)
	if err != nil {
		return User{}, err
	}
	if err := s.store.Users().SetStatus(ctx, u.ID, status); err != nil {
		return User{}, err
	}
	if status != UserStatusActive {
		if _, err := s.store.RefreshTokens().RevokeUser(ctx, u.ID, s.now().UTC()); err != nil {
			return User{}, err
		}
	}
	s.invalidate(u.ID)
	s.events.Record(ctx, Event{Name: EventUserStatus, TenantID: tenantID, UserID: actorID, Success: true,
		Fields: map[string]any{"target_user_id": u.ID, "from": u.Status, "to": status}})
	u.Status = status
	return u, nil
}

// AssignRole grants a role of the tenant, or a system role, to a user.
func (s *AdminService) AssignRole(ctx context.Context, tenantID string, a Assignment) (Assignment, error) {
	if _, err := s.GetUser(ctx, tenantID, a.UserID); err != nil {
		return Assignment{}, err
	}
	role, err := s.roleInTenant(ctx, tenantID, a.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	switch a.ScopeType {
	case "":
		a.ScopeID = ""
	case QualifierDepartment:
		if _, err := s.store.Departments().Find(ctx, tenantID, a.ScopeID); err != nil {
			return Assignment{}, err
		}
	case QualifierCollection:
		if strings.TrimSpace(a.ScopeID) == "" {
			return Assignment{}, fmt.Errorf("%w: collection scope requires scope_id", ErrInvalidInput)
		}
	default:
		return Assignment{}, fmt.Errorf("%w: scope_type %q", ErrInvalidInput, a.ScopeType)
	}
	if err := mayGrant(ctx, role); err != nil {
		return Assignment{}, err
	}
	if role.Scope == RoleScopeSystem && a.ScopeType != "" {
		return Assignment{}, fmt.Errorf("%w: system roles cannot be qualified", ErrInvalidInput)
	}
	a.CreatedAt = s.now().UTC()
	if err := s.store.Roles().Assign(ctx, a); err != nil {
		return Assignment{}, err
	}
	s.invalidate(a.UserID)
	s.events.Record(ctx, Event{Name: EventRoleAssigned, TenantID: tenantID, UserID: a.GrantedBy, Success: true,
		Fields: map[string]any{"target_user_id": a.UserID, "role": role.Name, "scope_type": a.ScopeType, "scope_id": a.ScopeID}})
	return a, nil
}

// UserAssignments lists the role assignments of a user of the tenant.
func (s *AdminService) UserAssignments(ctx context.Context, tenantID, userID string) ([]Assignment, error) {
	u, err := s.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return s.store.Roles().Assignments(ctx, u.ID)
}

func (s *AdminService) RevokeRole(ctx context.Context, tenantID, userID, roleID, actorID string) error {
	if _, err := s.GetUser(ctx, tenantID, userID); err != nil {
		return err
	}
	if err := s.store.Roles().Unassign(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidate(userID)
	s.events.Record(ctx, Event{Name: EventRoleRevoked, TenantID: tenantID, UserID: actorID, Success: true,
		Fields: map[string]any{"target_user_id": userID, "role_id": roleID}})
	return nil
}

func (s *AdminService) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	return s.store.Roles().List(ctx, tenantID)
}

// ListPermissions returns the permission catalog roles are built from.
func (s *AdminService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions().List(ctx)
}

// CreateRole defines a tenant role. System scope is reserved for system
// roles, both for the role and for any of its permissions.
func (s *AdminService) CreateRole(ctx context.Context, tenantID, name, description, scope string, perms []string) (Role, error) {
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return Role{}, fmt.Errorf("%w: tenant_id and name are required", ErrInvalidInput)
	}
	if !validRoleScope(scope) || scope == RoleScopeSystem {
		return Role{}, fmt.Errorf("%w: role scope %q", ErrInvalidInput, scope)
	}
	parsed, err := tenantPermissions(perms)
	if err != nil {
		return Role{}, err
	}
	r := Role{ID: ids.New(), TenantID: tenantID, Name: name, Description: strings.TrimSpace(description), Scope: scope}
	if err := s.store.Roles().Create(ctx, &r); err != nil {
		return Role{}, err
	}
	if err := s.store.Roles().SetPermissions(ctx, r.ID, parsed); err != nil {
		return Role{}, err
	}
	s.events.Record(ctx, Event{Name: EventRoleCreated, TenantID: tenantID, UserID: actorOf(ctx), Success: true,
		Fields: map[string]any{"role_id": r.ID, "role": r.Name, "permissions": permissionStrings(parsed)}})
	return r, nil
}

// SetRolePermissions replaces the permissions of a tenant role and drops the
// cached grants of everyone holding it.
func (s *AdminService) SetRolePermissions(ctx context.Context, tenantID, roleID string, perms []string) (Role, error) {
	role, err := s.roleInTenant(ctx, tenantID, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.System {
		return Role{}, ErrImmutableRole
	}
	parsed, err := tenantPermissions(perms)
	if err != nil {
		return Role{}, err
	}
	if err := s.store.Roles().SetPermissions(ctx, role.ID, parsed); err != nil {
		return Role{}, err
	}
	holders, err := s.store.Roles().Holders(ctx, role.ID)
	if err != nil {
		return Role{}, err
	}
	for _, userID := range holders {
		s.invalidate(userID)
	}
	s.events.Record(ctx, Event{Name: EventRoleUpdated, TenantID: tenantID, UserID: actorOf(ctx), Success: true,
		Fields: map[string]any{"role_id": role.ID, "permissions": permissionStrings(parsed), "holders": len(holders)}})
	return role, nil
}

func (s *AdminService) roleInTenant(ctx context.Context, tenantID, roleID string) (Role, error) {
	role, err := s.store.Roles().Find(ctx, strings.TrimSpace(roleID))
	if err != nil {
		return Role{}, err
	}
	if !role.System && role.TenantID != tenantID {
		return Role{}, ErrNotFound
	}
	return role, nil
}

// mayGrant keeps system-scope roles out of reach of tenant-bound callers.
// Calls without a request identity (bootstrap tooling) are trusted.
func mayGrant(ctx context.Context, role Role) error {
	if role.Scope != RoleScopeSystem {
		return nil
	}
	if tc, ok := TenantFromContext(ctx); ok && !tc.HasSystemScope() {
		return ErrPermissionDenied
	}
	return nil
}

// tenantPermissions parses permissions for a tenant-owned role. System
// scope would let a tenant role act across tenants.
func tenantPermissions(raw []string) ([]Permission, error) {
	raw = dedupeStrings(raw)
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p, err := ParsePermission(r)
		if err != nil {
			return nil, err
		}
		if p.Scope == ScopeSystem {
			return nil, fmt.Errorf("%w: tenant roles cannot hold system scope (%s)", ErrInvalidInput, p)
		}
		out = append(out, p)
	}
	return out, nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// actorOf names the caller for audit records. Tooling calls have none.
func actorOf(ctx context.Context) string {
	if tc, ok := TenantFromContext(ctx); ok {
		return tc.UserID()
	}
	return ""
}
