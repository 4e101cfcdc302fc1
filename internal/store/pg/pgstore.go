// Package pg implements the identity store on PostgreSQL through the pgx
// database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errNoDB = errors.New("pg: database connection unavailable")

// Store implements auth.Store.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects with the pgx driver and applies pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Tenants() auth.TenantStore             { return tenantStore{s.db} }
func (s *Store) Departments() auth.DepartmentStore     { return departmentStore{s.db} }
func (s *Store) Users() auth.UserStore                 { return userStore{s.db} }
func (s *Store) Roles() auth.RoleStore                 { return roleStore{s.db} }
func (s *Store) Permissions() auth.PermissionStore     { return permissionStore{s.db} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return tokenStore{s.db} }

func (s *Store) EmailVerifications() auth.EmailVerificationStore { return verificationStore{s.db} }

type tenantStore struct{ db *sql.DB }

func (s tenantStore) Create(ctx context.Context, t *auth.Tenant) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into tenants (id, slug, name, tier, active)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, t.ID, t.Slug, t.Name, t.Tier, t.Active).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapErr(err)
}

const tenantColumns = `id, slug, name, tier, active, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (auth.Tenant, error) {
	var t auth.Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Tier, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s tenantStore) Find(ctx context.Context, id string) (auth.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id))
	return t, mapErr(err)
}

func (s tenantStore) FindBySlug(ctx context.Context, slug string) (auth.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where slug = $1`, slug))
	return t, mapErr(err)
}

func (s tenantStore) List(ctx context.Context) ([]auth.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `select `+tenantColumns+` from tenants order by slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s tenantStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update tenants set active = $2, updated_at = now() where id = $1`, id, active)
	return affected(res, err)
}

type departmentStore struct{ db *sql.DB }

func (s departmentStore) Create(ctx context.Context, d *auth.Department) error {
	if d.ID == "" {
		d.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into departments (id, tenant_id, name, parent_id)
		values ($1, $2, $3, $4)
		returning created_at
	`, d.ID, d.TenantID, d.Name, nullIfEmpty(d.ParentID)).Scan(&d.CreatedAt)
	return mapErr(err)
}

func scanDepartment(row interface{ Scan(...any) error }) (auth.Department, error) {
	var (
		d      auth.Department
		parent sql.NullString
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &parent, &d.CreatedAt)
	d.ParentID = parent.String
	return d, err
}

func (s departmentStore) Find(ctx context.Context, tenantID, id string) (auth.Department, error) {
	d, err := scanDepartment(s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, parent_id, created_at
		from departments
		where tenant_id = $1 and id = $2
	`, tenantID, id))
	return d, mapErr(err)
}

func (s departmentStore) List(ctx context.Context, tenantID string) ([]auth.Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, parent_id, created_at
		from departments
		where tenant_id = $1
		order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// mapErr translates driver errors into auth sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
