package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/credence/internal/identity/storage"
	"github.com/louisbranch/credence/internal/identity/user"
)

const userColumns = `id, email, password_hash, active,
session_uniquifier, token_uniquifier, webauthn_uniquifier,
confirmed_at, login_count, current_login_at, last_login_at,
current_login_ip, last_login_ip,
totp_secret, primary_method, phone_number,
unified_signin_secret, sms_code_hash, sms_code_expires_at,
version, created_at, updated_at`

// PutUser inserts a new identity record.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("email is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, boolToInt(u.Active),
		u.SessionUniquifier, u.TokenUniquifier, u.WebAuthnUniquifier,
		toNullMillis(u.ConfirmedAt), u.LoginCount, toNullMillis(u.CurrentLoginAt), toNullMillis(u.LastLoginAt),
		u.CurrentLoginIP, u.LastLoginIP,
		u.TOTPSecret, u.PrimaryMethod, u.PhoneNumber,
		u.UnifiedSigninSecret, u.SMSCodeHash, toNullMillis(u.SMSCodeExpiresAt),
		u.Version, toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// UpdateUser writes an identity record guarded by its version. The stored
// version must match u.Version; the write bumps it by one.
func (s *Store) UpdateUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE users SET
	email = ?, password_hash = ?, active = ?,
	session_uniquifier = ?, token_uniquifier = ?, webauthn_uniquifier = ?,
	confirmed_at = ?, login_count = ?, current_login_at = ?, last_login_at = ?,
	current_login_ip = ?, last_login_ip = ?,
	totp_secret = ?, primary_method = ?, phone_number = ?,
	unified_signin_secret = ?, sms_code_hash = ?, sms_code_expires_at = ?,
	version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`,
		u.Email, u.PasswordHash, boolToInt(u.Active),
		u.SessionUniquifier, u.TokenUniquifier, u.WebAuthnUniquifier,
		toNullMillis(u.ConfirmedAt), u.LoginCount, toNullMillis(u.CurrentLoginAt), toNullMillis(u.LastLoginAt),
		u.CurrentLoginIP, u.LastLoginIP,
		u.TOTPSecret, u.PrimaryMethod, u.PhoneNumber,
		u.UnifiedSigninSecret, u.SMSCodeHash, toNullMillis(u.SMSCodeExpiresAt),
		toMillis(u.UpdatedAt),
		u.ID, u.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("update user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := s.userExists(ctx, u.ID)
		if err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}
	return nil
}

// GetUser fetches an identity record by primary key.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	return s.getUserWhere(ctx, "id = ?", userID, "user id is required")
}

// GetUserByEmail fetches an identity record by its unique email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.getUserWhere(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)), "email is required")
}

// GetUserByWebAuthnUniquifier resolves a WebAuthn user handle to its record.
func (s *Store) GetUserByWebAuthnUniquifier(ctx context.Context, uniquifier string) (user.User, error) {
	return s.getUserWhere(ctx, "webauthn_uniquifier = ?", uniquifier, "webauthn uniquifier is required")
}

// DeleteUser removes the identity record and every dependent row in one
// transaction. Credential and role-assignment rows are deleted explicitly so
// the cascade does not depend on connection pragmas alone.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM webauthn_credentials WHERE user_id = ?`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ceremony_sessions WHERE user_id = ?`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user ceremony sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user role assignments: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg string, requiredMsg string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(arg) == "" {
		return user.User{}, fmt.Errorf("%s", requiredMsg)
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	return scanUser(row)
}

func (s *Store) userExists(ctx context.Context, userID string) (bool, error) {
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return true, nil
}

func scanUser(row *sql.Row) (user.User, error) {
	var (
		u                user.User
		active           int64
		confirmedAt      sql.NullInt64
		currentLoginAt   sql.NullInt64
		lastLoginAt      sql.NullInt64
		smsCodeExpiresAt sql.NullInt64
		createdAt        int64
		updatedAt        int64
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &active,
		&u.SessionUniquifier, &u.TokenUniquifier, &u.WebAuthnUniquifier,
		&confirmedAt, &u.LoginCount, &currentLoginAt, &lastLoginAt,
		&u.CurrentLoginIP, &u.LastLoginIP,
		&u.TOTPSecret, &u.PrimaryMethod, &u.PhoneNumber,
		&u.UnifiedSigninSecret, &u.SMSCodeHash, &smsCodeExpiresAt,
		&u.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}

	u.Active = active != 0
	u.ConfirmedAt = fromNullMillis(confirmedAt)
	u.CurrentLoginAt = fromNullMillis(currentLoginAt)
	u.LastLoginAt = fromNullMillis(lastLoginAt)
	u.SMSCodeExpiresAt = fromNullMillis(smsCodeExpiresAt)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
