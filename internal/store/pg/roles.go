package pg

import (
	"context"
	"database/sql"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
)

type roleStore struct{ db *sql.DB }

const roleColumns = `r.id, r.tenant_id, r.name, r.description, r.scope, r.is_system, r.created_at`

func scanRole(row interface{ Scan(...any) error }, extra ...any) (auth.Role, error) {
	var (
		r      auth.Role
		tenant sql.NullString
	)
	dest := append([]any{&r.ID, &tenant, &r.Name, &r.Description, &r.Scope, &r.System, &r.CreatedAt}, extra...)
	err := row.Scan(dest...)
	r.TenantID = tenant.String
	return r, err
}

func (s roleStore) Create(ctx context.Context, r *auth.Role) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, description, scope, is_system)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, r.ID, nullIfEmpty(r.TenantID), r.Name, r.Description, r.Scope, r.System).Scan(&r.CreatedAt)
	return mapErr(err)
}

func (s roleStore) Find(ctx context.Context, id string) (auth.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles r where r.id = $1`, id))
	return r, mapErr(err)
}

func (s roleStore) FindByName(ctx context.Context, tenantID, name string) (auth.Role, error) {
	// Tenant roles shadow system roles of the same name.
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+`
		from roles r
		where r.name = $2 and (r.tenant_id = $1 or r.tenant_id is null)
		order by r.tenant_id nulls last
		limit 1
	`, tenantID, name))
	return r, mapErr(err)
}

func (s roleStore) List(ctx context.Context, tenantID string) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`
		from roles r
		where r.tenant_id = $1 or r.tenant_id is null
		order by r.name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s roleStore) SetPermissions(ctx context.Context, roleID string, perms []auth.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if err := ensurePermission(ctx, tx, p); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, resource, action, scope)
			values ($1, $2, $3, $4)
			on conflict do nothing
		`, roleID, p.Resource, p.Action, p.Scope); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit()
}

func (s roleStore) Assign(ctx context.Context, a auth.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, scope_type, scope_id, granted_by)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, role_id) do update
		set scope_type = excluded.scope_type, scope_id = excluded.scope_id, granted_by = excluded.granted_by
	`, a.UserID, a.RoleID, nullIfEmpty(a.ScopeType), nullIfEmpty(a.ScopeID), nullIfEmpty(a.GrantedBy))
	return mapErr(err)
}

func (s roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	return affected(res, err)
}

func (s roleStore) Assignments(ctx context.Context, userID string) ([]auth.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, scope_type, scope_id, granted_by, created_at
		from user_roles
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Assignment
	for rows.Next() {
		var a auth.Assignment
		var scopeType, scopeID, by sql.NullString
		if err := rows.Scan(&a.UserID, &a.RoleID, &scopeType, &scopeID, &by, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ScopeType, a.ScopeID, a.GrantedBy = scopeType.String, scopeID.String, by.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s roleStore) Holders(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select user_id from user_roles where role_id = $1 order by user_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Grants loads every assignment of userID with its role and permissions in
// one round trip. Roles without permissions still produce a grant.
func (s roleStore) Grants(ctx context.Context, userID string) ([]auth.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`, ur.scope_type, ur.scope_id, rp.resource, rp.action, rp.scope
		from user_roles ur
		join roles r on r.id = ur.role_id
		left join role_permissions rp on rp.role_id = r.id
		where ur.user_id = $1
		order by r.name, r.id, rp.resource, rp.action, rp.scope
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Grant
	for rows.Next() {
		var scopeType, scopeID, resource, action, pscope sql.NullString
		role, err := scanRole(rows, &scopeType, &scopeID, &resource, &action, &pscope)
		if err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Role.ID != role.ID {
			out = append(out, auth.Grant{Role: role, ScopeType: scopeType.String, ScopeID: scopeID.String})
		}
		if resource.Valid {
			g := &out[len(out)-1]
			g.Permissions = append(g.Permissions, auth.Permission{Resource: resource.String, Action: action.String, Scope: pscope.String})
		}
	}
	return out, rows.Err()
}

type permissionStore struct{ db *sql.DB }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensurePermission(ctx context.Context, db execer, p auth.Permission) error {
	_, err := db.ExecContext(ctx, `
		insert into permissions (resource, action, scope)
		values ($1, $2, $3)
		on conflict do nothing
	`, p.Resource, p.Action, p.Scope)
	return mapErr(err)
}

func (s permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		if err := ensurePermission(ctx, s.db, p); err != nil {
			return err
		}
	}
	return nil
}

func (s permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select resource, action, scope from permissions order by resource, action, scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.Resource, &p.Action, &p.Scope); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
