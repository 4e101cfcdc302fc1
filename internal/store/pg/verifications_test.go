package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/waqedi/identity/internal/auth"
)

func TestConfirmActivatesPendingUser(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("update email_verifications set verified_at").
		WithArgs("v1", at).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec("update users set status = 'active'").WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.EmailVerifications().Confirm(context.Background(), "v1", at); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func TestConfirmTwiceConflicts(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("update email_verifications set verified_at").WithArgs("v1", at).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select exists").WithArgs("v1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.EmailVerifications().Confirm(context.Background(), "v1", at)
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestVerificationFindScansVerifiedAt(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "user_id", "token_hash", "expires_at", "created_at", "verified_at"}
	mock.ExpectQuery("from email_verifications").
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("v1", "u1", "h1", now.Add(time.Hour), now, nil))

	v, err := s.EmailVerifications().FindByHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if v.UserID != "u1" || v.VerifiedAt != nil {
		t.Fatalf("unexpected verification %+v", v)
	}
}

func TestHoldersListsAssignedUsers(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select user_id from user_roles").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	got, err := s.Roles().Holders(context.Background(), "r1")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("unexpected holders %v", got)
	}
}
