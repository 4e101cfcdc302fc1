package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
)

type tokenStore struct{ db *sql.DB }

func insertToken(ctx context.Context, db execer, t *auth.RefreshToken) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, family_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.FamilyID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return mapErr(err)
}

func (s tokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	return insertToken(ctx, s.db, t)
}

func (s tokenStore) FindByHash(ctx context.Context, hash string) (auth.RefreshToken, error) {
	var (
		t       auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, family_id, token_hash, expires_at, created_at, revoked_at
		from refresh_tokens
		where token_hash = $1
	`, hash).Scan(&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &revoked)
	if err != nil {
		return auth.RefreshToken{}, mapErr(err)
	}
	if revoked.Valid {
		at := revoked.Time
		t.RevokedAt = &at
	}
	return t, nil
}

// Rotate revokes oldID with a conditional update so that exactly one of
// several concurrent rotations, across processes, wins. The partial unique
// index on live family members backs this up.
func (s tokenStore) Rotate(ctx context.Context, oldID string, next *auth.RefreshToken, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where id = $1 and revoked_at is null
	`, oldID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	if err := insertToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s tokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where family_id = $1 and revoked_at is null
	`, familyID, at))
}

func (s tokenStore) RevokeUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, at))
}

func (s tokenStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return rowsAffected(s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before))
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
