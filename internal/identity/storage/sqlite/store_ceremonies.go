package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/credence/internal/identity/storage"
)

// PutCeremonySession persists a pending WebAuthn challenge.
func (s *Store) PutCeremonySession(ctx context.Context, session storage.CeremonySession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.Kind) == "" {
		return fmt.Errorf("session kind is required")
	}
	if strings.TrimSpace(session.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO ceremony_sessions (id, kind, user_id, session_json, expires_at)
VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Kind, session.UserID, session.SessionJSON, toMillis(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put ceremony session: %w", err)
	}
	return nil
}

// GetCeremonySession fetches a pending challenge by session id.
func (s *Store) GetCeremonySession(ctx context.Context, id string) (storage.CeremonySession, error) {
	if err := ctx.Err(); err != nil {
		return storage.CeremonySession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CeremonySession{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.CeremonySession{}, fmt.Errorf("session id is required")
	}

	var (
		session   storage.CeremonySession
		expiresAt int64
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, kind, user_id, session_json, expires_at FROM ceremony_sessions WHERE id = ?`, id)
	if err := row.Scan(&session.ID, &session.Kind, &session.UserID, &session.SessionJSON, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CeremonySession{}, storage.ErrNotFound
		}
		return storage.CeremonySession{}, fmt.Errorf("get ceremony session: %w", err)
	}
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

// DeleteCeremonySession removes a pending challenge. Deleting a missing
// session is not an error; ceremonies race their own cleanup.
func (s *Store) DeleteCeremonySession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM ceremony_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete ceremony session: %w", err)
	}
	return nil
}

// DeleteExpiredCeremonySessions removes challenges whose expiry is at or
// before now and reports how many were swept.
func (s *Store) DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM ceremony_sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired ceremony sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired ceremony sessions rows affected: %w", err)
	}
	return affected, nil
}
