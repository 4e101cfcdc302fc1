package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/waqedi/identity/internal/auth"
)

// AppendEvent persists a security event to auth_events.
func (s *Store) AppendEvent(ctx context.Context, e auth.Event) error {
	if s.db == nil {
		return errNoDB
	}
	fields := []byte("{}")
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
		fields = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auth_events (name, occurred_at, tenant_id, user_id, success, reason, fields)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.Name, e.OccurredAt, nullIfEmpty(e.TenantID), nullIfEmpty(e.UserID), e.Success, nullIfEmpty(e.Reason), fields)
	return err
}
