package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
)

type verificationStore struct{ db *sql.DB }

func (s verificationStore) Create(ctx context.Context, v *auth.EmailVerification) error {
	if v.ID == "" {
		v.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into email_verifications (id, user_id, token_hash, expires_at)
		values ($1, $2, $3, $4)
		returning created_at
	`, v.ID, v.UserID, v.TokenHash, v.ExpiresAt).Scan(&v.CreatedAt)
	return mapErr(err)
}

func (s verificationStore) FindByHash(ctx context.Context, hash string) (auth.EmailVerification, error) {
	var (
		v        auth.EmailVerification
		verified sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, verified_at
		from email_verifications
		where token_hash = $1
	`, hash).Scan(&v.ID, &v.UserID, &v.TokenHash, &v.ExpiresAt, &v.CreatedAt, &verified)
	if verified.Valid {
		v.VerifiedAt = &verified.Time
	}
	return v, mapErr(err)
}

// Confirm claims the verification with a conditional update, so concurrent
// redemptions activate the user once.
func (s verificationStore) Confirm(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `
		update email_verifications set verified_at = $2
		where id = $1 and verified_at is null
		returning user_id
	`, id, at).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from email_verifications where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return auth.ErrConflict
		}
		return auth.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update users set status = 'active', updated_at = $2
		where id = $1 and status = 'pending'
	`, userID, at); err != nil {
		return err
	}
	return tx.Commit()
}
