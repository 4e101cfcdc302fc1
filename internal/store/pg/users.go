package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
)

type userStore struct{ db *sql.DB }

const userColumns = `id, tenant_id, department_id, email, password_hash, status, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (auth.User, error) {
	var (
		u         auth.User
		dept      sql.NullString
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TenantID, &dept, &u.Email, &u.PasswordHash, &u.Status, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	u.DepartmentID = dept.String
	if lastLogin.Valid {
		at := lastLogin.Time
		u.LastLoginAt = &at
	}
	return u, err
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, tenant_id, department_id, email, password_hash, status)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.TenantID, nullIfEmpty(u.DepartmentID), u.Email, u.PasswordHash, u.Status).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr(err)
}

func (s userStore) Find(ctx context.Context, id string) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	return u, mapErr(err)
}

func (s userStore) FindByEmail(ctx context.Context, tenantID, email string) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where tenant_id = $1 and lower(email) = lower($2)
	`, tenantID, email))
	return u, mapErr(err)
}

func (s userStore) List(ctx context.Context, tenantID string) ([]auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users where tenant_id = $1 order by email`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s userStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `update users set status = $2, updated_at = now() where id = $1`, id, status)
	return affected(res, err)
}

func (s userStore) SetPasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, hash)
	return affected(res, err)
}

func (s userStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set last_login_at = $2 where id = $1`, id, at)
	return affected(res, err)
}
