package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/credence/internal/identity/role"
	"github.com/louisbranch/credence/internal/identity/storage"
)

// PutRole inserts or updates a role definition.
func (s *Store) PutRole(ctx context.Context, r role.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("role id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("role name is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO roles (id, name, description, permissions)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name,
	description = excluded.description,
	permissions = excluded.permissions`,
		r.ID, r.Name, r.Description, role.JoinPermissions(r.Permissions))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("put role: %w", err)
	}
	return nil
}

// GetRole fetches a role definition by id.
func (s *Store) GetRole(ctx context.Context, roleID string) (role.Role, error) {
	if err := ctx.Err(); err != nil {
		return role.Role{}, err
	}
	if s == nil || s.sqlDB == nil {
		return role.Role{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(roleID) == "" {
		return role.Role{}, fmt.Errorf("role id is required")
	}

	var (
		r           role.Role
		permissions string
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, description, permissions FROM roles WHERE id = ?`, roleID)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &permissions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return role.Role{}, storage.ErrNotFound
		}
		return role.Role{}, fmt.Errorf("get role: %w", err)
	}
	r.Permissions = role.ParsePermissions(permissions)
	return r, nil
}

// AssignRole links a role to a user. Assigning twice is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("role id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)`, userID, roleID)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// ListRolesForUser returns the roles assigned to a user.
func (s *Store) ListRolesForUser(ctx context.Context, userID string) ([]role.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT r.id, r.name, r.description, r.permissions
FROM roles r
JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?
ORDER BY r.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list roles for user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []role.Role
	for rows.Next() {
		var (
			r           role.Role
			permissions string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &permissions); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		r.Permissions = role.ParsePermissions(permissions)
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}
