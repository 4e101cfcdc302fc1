// Package memory is an in-process auth.Store used by tests, local
// development and single-node deployments without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/waqedi/identity/internal/auth"
)

// Store keeps every entity in maps behind one RWMutex. Rotate is a
// compare-and-set under the write lock.
type Store struct {
	mu sync.RWMutex

	tenants     map[string]auth.Tenant
	departments map[string]auth.Department
	users       map[string]auth.User
	roles       map[string]auth.Role
	rolePerms   map[string][]auth.Permission
	assignments map[string][]auth.Assignment // by user id
	permissions map[string]auth.Permission   // by canonical string
	tokens      map[string]auth.RefreshToken // by id
	tokenHashes map[string]string            // hash -> id
	verifies    map[string]auth.EmailVerification

	now func() time.Time
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:     make(map[string]auth.Tenant),
		departments: make(map[string]auth.Department),
		users:       make(map[string]auth.User),
		roles:       make(map[string]auth.Role),
		rolePerms:   make(map[string][]auth.Permission),
		assignments: make(map[string][]auth.Assignment),
		permissions: make(map[string]auth.Permission),
		tokens:      make(map[string]auth.RefreshToken),
		tokenHashes: make(map[string]string),
		verifies:    make(map[string]auth.EmailVerification),
		now:         time.Now,
	}
}

func (s *Store) Tenants() auth.TenantStore             { return tenantStore{s} }
func (s *Store) Departments() auth.DepartmentStore     { return departmentStore{s} }
func (s *Store) Users() auth.UserStore                 { return userStore{s} }
func (s *Store) Roles() auth.RoleStore                 { return roleStore{s} }
func (s *Store) Permissions() auth.PermissionStore     { return permissionStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return tokenStore{s} }

func (s *Store) EmailVerifications() auth.EmailVerificationStore { return verificationStore{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

type tenantStore struct{ s *Store }

func (t tenantStore) Create(_ context.Context, tenant *auth.Tenant) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, existing := range t.s.tenants {
		if existing.Slug == tenant.Slug {
			return auth.ErrConflict
		}
	}
	if _, ok := t.s.tenants[tenant.ID]; ok {
		return auth.ErrConflict
	}
	now := t.s.now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	t.s.tenants[tenant.ID] = *tenant
	return nil
}

func (t tenantStore) Find(_ context.Context, id string) (auth.Tenant, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tenant, ok := t.s.tenants[id]
	if !ok {
		return auth.Tenant{}, auth.ErrNotFound
	}
	return tenant, nil
}

func (t tenantStore) FindBySlug(_ context.Context, slug string) (auth.Tenant, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, tenant := range t.s.tenants {
		if tenant.Slug == slug {
			return tenant, nil
		}
	}
	return auth.Tenant{}, auth.ErrNotFound
}

func (t tenantStore) List(context.Context) ([]auth.Tenant, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make([]auth.Tenant, 0, len(t.s.tenants))
	for _, tenant := range t.s.tenants {
		out = append(out, tenant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (t tenantStore) SetActive(_ context.Context, id string, active bool) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tenant, ok := t.s.tenants[id]
	if !ok {
		return auth.ErrNotFound
	}
	tenant.Active = active
	tenant.UpdatedAt = t.s.now().UTC()
	t.s.tenants[id] = tenant
	return nil
}

type departmentStore struct{ s *Store }

func (d departmentStore) Create(_ context.Context, dep *auth.Department) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.tenants[dep.TenantID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range d.s.departments {
		if existing.TenantID == dep.TenantID && strings.EqualFold(existing.Name, dep.Name) {
			return auth.ErrConflict
		}
	}
	dep.CreatedAt = d.s.now().UTC()
	d.s.departments[dep.ID] = *dep
	return nil
}

func (d departmentStore) Find(_ context.Context, tenantID, id string) (auth.Department, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	dep, ok := d.s.departments[id]
	if !ok || dep.TenantID != tenantID {
		return auth.Department{}, auth.ErrNotFound
	}
	return dep, nil
}

func (d departmentStore) List(_ context.Context, tenantID string) ([]auth.Department, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	var out []auth.Department
	for _, dep := range d.s.departments {
		if dep.TenantID == tenantID {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.tenants[user.TenantID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range u.s.users {
		if existing.TenantID == user.TenantID && existing.Email == user.Email {
			return auth.ErrConflict
		}
	}
	now := u.s.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	u.s.users[user.ID] = *user
	return nil
}

func (u userStore) Find(_ context.Context, id string) (auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return user, nil
}

func (u userStore) FindByEmail(_ context.Context, tenantID, email string) (auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if user.TenantID == tenantID && user.Email == email {
			return user, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (u userStore) List(_ context.Context, tenantID string) ([]auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	var out []auth.User
	for _, user := range u.s.users {
		if user.TenantID == tenantID {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (u userStore) update(id string, fn func(*auth.User)) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&user)
	user.UpdatedAt = u.s.now().UTC()
	u.s.users[id] = user
	return nil
}

func (u userStore) SetStatus(_ context.Context, id, status string) error {
	return u.update(id, func(user *auth.User) { user.Status = status })
}

func (u userStore) SetPasswordHash(_ context.Context, id, hash string) error {
	return u.update(id, func(user *auth.User) { user.PasswordHash = hash })
}

func (u userStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	return u.update(id, func(user *auth.User) { user.LastLoginAt = &at })
}

type roleStore struct{ s *Store }

func (r roleStore) Create(_ context.Context, role *auth.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return auth.ErrConflict
		}
	}
	role.CreatedAt = r.s.now().UTC()
	r.s.roles[role.ID] = *role
	return nil
}

func (r roleStore) Find(_ context.Context, id string) (auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, ok := r.s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return role, nil
}

func (r roleStore) FindByName(_ context.Context, tenantID, name string) (auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var fallback *auth.Role
	for _, role := range r.s.roles {
		if role.Name != name {
			continue
		}
		if role.TenantID == tenantID && tenantID != "" {
			return role, nil
		}
		if role.TenantID == "" {
			role := role
			fallback = &role
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return auth.Role{}, auth.ErrNotFound
}

func (r roleStore) List(_ context.Context, tenantID string) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []auth.Role
	for _, role := range r.s.roles {
		if role.TenantID == "" || role.TenantID == tenantID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r roleStore) SetPermissions(_ context.Context, roleID string, perms []auth.Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, p := range perms {
		r.s.permissions[p.String()] = p
	}
	r.s.rolePerms[roleID] = append([]auth.Permission(nil), perms...)
	return nil
}

func (r roleStore) Assign(_ context.Context, a auth.Assignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[a.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := r.s.roles[a.RoleID]; !ok {
		return auth.ErrNotFound
	}
	list := r.s.assignments[a.UserID]
	for i, existing := range list {
		if existing.RoleID == a.RoleID {
			list[i] = a
			return nil
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.s.now().UTC()
	}
	r.s.assignments[a.UserID] = append(list, a)
	return nil
}

func (r roleStore) Unassign(_ context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list := r.s.assignments[userID]
	for i, existing := range list {
		if existing.RoleID == roleID {
			r.s.assignments[userID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (r roleStore) Assignments(_ context.Context, userID string) ([]auth.Assignment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]auth.Assignment(nil), r.s.assignments[userID]...), nil
}

func (r roleStore) Holders(_ context.Context, roleID string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []string
	for userID, list := range r.s.assignments {
		for _, a := range list {
			if a.RoleID == roleID {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r roleStore) Grants(_ context.Context, userID string) ([]auth.Grant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	list := r.s.assignments[userID]
	out := make([]auth.Grant, 0, len(list))
	for _, a := range list {
		role, ok := r.s.roles[a.RoleID]
		if !ok {
			continue
		}
		out = append(out, auth.Grant{
			Role:        role,
			ScopeType:   a.ScopeType,
			ScopeID:     a.ScopeID,
			Permissions: append([]auth.Permission(nil), r.s.rolePerms[a.RoleID]...),
		})
	}
	return out, nil
}

type permissionStore struct{ s *Store }

func (p permissionStore) Ensure(_ context.Context, perms []auth.Permission) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, perm := range perms {
		p.s.permissions[perm.String()] = perm
	}
	return nil
}

func (p permissionStore) List(context.Context) ([]auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(p.s.permissions))
	for _, perm := range p.s.permissions {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

type tokenStore struct{ s *Store }

func (t tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.insertLocked(tok)
}

func (t tokenStore) insertLocked(tok *auth.RefreshToken) error {
	if _, ok := t.s.tokenHashes[tok.TokenHash]; ok {
		return auth.ErrConflict
	}
	for _, existing := range t.s.tokens {
		if existing.FamilyID == tok.FamilyID && !existing.Revoked() {
			return auth.ErrConflict
		}
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = t.s.now().UTC()
	}
	t.s.tokens[tok.ID] = *tok
	t.s.tokenHashes[tok.TokenHash] = tok.ID
	return nil
}

func (t tokenStore) FindByHash(_ context.Context, hash string) (auth.RefreshToken, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.tokenHashes[hash]
	if !ok {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return t.s.tokens[id], nil
}

func (t tokenStore) Rotate(_ context.Context, oldID string, next *auth.RefreshToken, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	old, ok := t.s.tokens[oldID]
	if !ok {
		return auth.ErrNotFound
	}
	if old.Revoked() {
		return auth.ErrConflict
	}
	old.RevokedAt = &at
	t.s.tokens[oldID] = old
	if err := t.insertLocked(next); err != nil {
		old.RevokedAt = nil
		t.s.tokens[oldID] = old
		return err
	}
	return nil
}

func (t tokenStore) revokeWhere(match func(auth.RefreshToken) bool, at time.Time) int64 {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for id, tok := range t.s.tokens {
		if tok.Revoked() || !match(tok) {
			continue
		}
		tok.RevokedAt = &at
		t.s.tokens[id] = tok
		n++
	}
	return n
}

func (t tokenStore) RevokeFamily(_ context.Context, familyID string, at time.Time) (int64, error) {
	return t.revokeWhere(func(tok auth.RefreshToken) bool { return tok.FamilyID == familyID }, at), nil
}

func (t tokenStore) RevokeUser(_ context.Context, userID string, at time.Time) (int64, error) {
	return t.revokeWhere(func(tok auth.RefreshToken) bool { return tok.UserID == userID }, at), nil
}

func (t tokenStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for id, tok := range t.s.tokens {
		if tok.ExpiresAt.Before(before) {
			delete(t.s.tokens, id)
			delete(t.s.tokenHashes, tok.TokenHash)
			n++
		}
	}
	return n, nil
}

type verificationStore struct{ s *Store }

func (v verificationStore) Create(_ context.Context, ev *auth.EmailVerification) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.users[ev.UserID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range v.s.verifies {
		if existing.TokenHash == ev.TokenHash {
			return auth.ErrConflict
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = v.s.now().UTC()
	}
	v.s.verifies[ev.ID] = *ev
	return nil
}

func (v verificationStore) FindByHash(_ context.Context, hash string) (auth.EmailVerification, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, ev := range v.s.verifies {
		if ev.TokenHash == hash {
			return ev, nil
		}
	}
	return auth.EmailVerification{}, auth.ErrNotFound
}

func (v verificationStore) Confirm(_ context.Context, id string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	ev, ok := v.s.verifies[id]
	if !ok {
		return auth.ErrNotFound
	}
	if ev.VerifiedAt != nil {
		return auth.ErrConflict
	}
	at = at.UTC()
	ev.VerifiedAt = &at
	v.s.verifies[id] = ev
	if u, ok := v.s.users[ev.UserID]; ok && u.Status == auth.UserStatusPending {
		u.Status = auth.UserStatusActive
		u.UpdatedAt = at
		v.s.users[u.ID] = u
	}
	return nil
}
