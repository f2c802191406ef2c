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

const credentialColumns = `credential_id, user_id, name, public_key, sign_count,
transports, extensions, credential_json, created_at, updated_at, last_used_at`

// PutCredential inserts a WebAuthn credential. The credential id is unique
// across the whole table; a collision surfaces storage.ErrDuplicate.
func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO webauthn_credentials (`+credentialColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.CredentialID, credential.UserID, credential.Name,
		credential.PublicKey, credential.SignCount,
		credential.Transports, credential.Extensions, credential.CredentialJSON,
		toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt), toMillis(credential.LastUsedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored WebAuthn credential by its global id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE credential_id = ?`, credentialID)
	return scanCredential(row)
}

// ListCredentials returns the credentials registered to a user.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE user_id = ? ORDER BY created_at, credential_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var credentials []storage.Credential
	for rows.Next() {
		var (
			c          storage.Credential
			createdAt  int64
			updatedAt  int64
			lastUsedAt int64
		)
		if err := rows.Scan(
			&c.CredentialID, &c.UserID, &c.Name, &c.PublicKey, &c.SignCount,
			&c.Transports, &c.Extensions, &c.CredentialJSON,
			&createdAt, &updatedAt, &lastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)
		c.LastUsedAt = fromMillis(lastUsedAt)
		credentials = append(credentials, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return credentials, nil
}

// DeleteCredential removes a credential by its global id.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM webauthn_credentials WHERE credential_id = ?`, credentialID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateCredentialCounter advances sign_count and last_used_at only when the
// stored count still equals previous. The compare-and-set keeps the monotonic
// check atomic under concurrent assertions against the same authenticator.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, previous, next uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webauthn_credentials
SET sign_count = ?, last_used_at = ?, updated_at = ?
WHERE credential_id = ? AND sign_count = ?`,
		next, toMillis(usedAt), toMillis(usedAt), credentialID, previous)
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential counter rows affected: %w", err)
	}
	if affected == 0 {
		var found int
		row := s.sqlDB.QueryRowContext(ctx,
			`SELECT 1 FROM webauthn_credentials WHERE credential_id = ?`, credentialID)
		if err := row.Scan(&found); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("check credential exists: %w", err)
		}
		return storage.ErrVersionConflict
	}
	return nil
}

func scanCredential(row *sql.Row) (storage.Credential, error) {
	var (
		c          storage.Credential
		createdAt  int64
		updatedAt  int64
		lastUsedAt int64
	)
	err := row.Scan(
		&c.CredentialID, &c.UserID, &c.Name, &c.PublicKey, &c.SignCount,
		&c.Transports, &c.Extensions, &c.CredentialJSON,
		&createdAt, &updatedAt, &lastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	c.LastUsedAt = fromMillis(lastUsedAt)
	return c, nil
}
