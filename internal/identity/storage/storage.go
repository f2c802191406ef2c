// Package storage defines the persistence contracts the identity core
// depends on.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/credence/internal/identity/role"
	"github.com/louisbranch/credence/internal/identity/user"
	"github.com/louisbranch/credence/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrDuplicate indicates a unique constraint was violated.
var ErrDuplicate = errors.New(errors.CodeDuplicate, "unique constraint violated")

// ErrVersionConflict indicates a version-checked update lost a concurrent
// race; the caller reloads and retries.
var ErrVersionConflict = errors.New(errors.CodeVersionConflict, "record version conflict")

// Credential stores a WebAuthn credential for a user.
//
// CredentialID is the base64url-encoded authenticator-issued identifier and
// is unique across the entire collection, not just per user. CredentialJSON
// carries the full relying-party credential for ceremony validation; the
// structured columns exist for lookups and the monotonic counter check.
type Credential struct {
	CredentialID   string
	UserID         string
	Name           string
	PublicKey      []byte
	SignCount      uint32
	Transports     string
	Extensions     string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     time.Time
}

// CeremonySession stores a pending WebAuthn registration or login challenge.
// Sessions are short-lived; expired rows are rejected on load and removed by
// the sweeper.
type CeremonySession struct {
	ID          string
	Kind        string
	UserID      string
	SessionJSON string
	ExpiresAt   time.Time
}

// UserStore persists identity records.
type UserStore interface {
	// PutUser inserts a new record; ErrDuplicate on email or uniquifier
	// collision.
	PutUser(ctx context.Context, u user.User) error
	// UpdateUser writes a record at its current version and bumps it;
	// ErrVersionConflict when the stored version moved.
	UpdateUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetUserByWebAuthnUniquifier(ctx context.Context, uniquifier string) (user.User, error)
	// DeleteUser removes the record and every row referencing it in a single
	// transaction.
	DeleteUser(ctx context.Context, userID string) error
}

// CredentialStore persists WebAuthn credentials.
type CredentialStore interface {
	PutCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
	DeleteCredential(ctx context.Context, credentialID string) error
	// UpdateCredentialCounter advances sign_count and last_used_at only if the
	// stored count still equals previous. ErrVersionConflict when another
	// assertion advanced the counter first; ErrNotFound when the credential
	// was deleted concurrently.
	UpdateCredentialCounter(ctx context.Context, credentialID string, previous, next uint32, usedAt time.Time) error
}

// CeremonyStore persists pending ceremony sessions.
type CeremonyStore interface {
	PutCeremonySession(ctx context.Context, session CeremonySession) error
	GetCeremonySession(ctx context.Context, id string) (CeremonySession, error)
	DeleteCeremonySession(ctx context.Context, id string) error
	DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) (int64, error)
}

// RoleStore persists roles and their assignment to users.
type RoleStore interface {
	PutRole(ctx context.Context, r role.Role) error
	GetRole(ctx context.Context, roleID string) (role.Role, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	ListRolesForUser(ctx context.Context, userID string) ([]role.Role, error)
}

// Store is the full identity repository contract.
type Store interface {
	UserStore
	CredentialStore
	CeremonyStore
	RoleStore
}
