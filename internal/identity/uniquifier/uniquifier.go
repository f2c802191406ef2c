// Package uniquifier generates and rotates the random tokens that gate
// session and bearer-token validity.
//
// A uniquifier is an opaque value stored on the identity record; a session or
// bearer token is valid only while its embedded copy matches the stored value
// exactly. Rotating a uniquifier therefore invalidates everything carrying
// the old value the instant the new one is persisted.
package uniquifier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/louisbranch/credence/internal/identity/storage"
	"github.com/louisbranch/credence/internal/identity/user"
	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

// Length is the character length of every generated uniquifier.
const Length = 64

// rawBytes of entropy encode to exactly Length base64url characters.
const rawBytes = 48

// defaultMaxAttempts bounds regeneration when a value collides with a stored
// one. Collisions are negligible at this entropy; the bound exists so a
// misbehaving store cannot loop forever.
const defaultMaxAttempts = 3

// ErrGenerationExhausted indicates repeated uniqueness collisions while
// persisting a fresh uniquifier.
var ErrGenerationExhausted = apperrors.New(apperrors.CodeGenerationExhausted, "uniquifier generation exhausted")

// Generate returns a fresh 64-character URL-safe random uniquifier.
func Generate() (string, error) {
	raw := make([]byte, rawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewSet returns one fresh value for each uniquifier field.
func NewSet() (user.Uniquifiers, error) {
	session, err := Generate()
	if err != nil {
		return user.Uniquifiers{}, err
	}
	token, err := Generate()
	if err != nil {
		return user.Uniquifiers{}, err
	}
	webauthn, err := Generate()
	if err != nil {
		return user.Uniquifiers{}, err
	}
	return user.Uniquifiers{Session: session, Token: token, WebAuthn: webauthn}, nil
}

// Field names a rotatable uniquifier on the identity record.
type Field string

const (
	// FieldSession gates live sessions.
	FieldSession Field = "session"
	// FieldToken gates bearer tokens.
	FieldToken Field = "token"
	// FieldWebAuthn is the user handle for WebAuthn ceremonies.
	FieldWebAuthn Field = "webauthn"
)

// Authority rotates uniquifiers against the user store. Each rotation
// replaces exactly one field; the others are never touched.
type Authority struct {
	store       storage.UserStore
	generate    func() (string, error)
	maxAttempts int
}

// NewAuthority creates an Authority backed by the given user store.
func NewAuthority(store storage.UserStore) *Authority {
	return &Authority{
		store:       store,
		generate:    Generate,
		maxAttempts: defaultMaxAttempts,
	}
}

// RotateSession replaces the session uniquifier, invalidating live sessions.
func (a *Authority) RotateSession(ctx context.Context, userID string) (user.User, error) {
	return a.rotate(ctx, userID, FieldSession)
}

// RotateToken replaces the token uniquifier, invalidating bearer tokens
// without touching sessions.
func (a *Authority) RotateToken(ctx context.Context, userID string) (user.User, error) {
	return a.rotate(ctx, userID, FieldToken)
}

// RotateWebAuthn replaces the WebAuthn user handle. Existing credential rows
// stay valid; only future ceremonies use the new handle. This is an explicit
// security-reset operation, never part of a password change.
func (a *Authority) RotateWebAuthn(ctx context.Context, userID string) (user.User, error) {
	return a.rotate(ctx, userID, FieldWebAuthn)
}

func (a *Authority) rotate(ctx context.Context, userID string, field Field) (user.User, error) {
	if a == nil || a.store == nil {
		return user.User{}, fmt.Errorf("authority is not configured")
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		u, err := a.store.GetUser(ctx, userID)
		if err != nil {
			return user.User{}, err
		}

		fresh, err := a.generate()
		if err != nil {
			return user.User{}, fmt.Errorf("generate uniquifier: %w", err)
		}
		if err := Apply(&u, field, fresh); err != nil {
			return user.User{}, err
		}

		err = a.store.UpdateUser(ctx, u)
		switch {
		case err == nil:
			u.Version++
			return u, nil
		case errors.Is(err, storage.ErrDuplicate):
			// Another record holds this value; regenerate.
			continue
		case errors.Is(err, storage.ErrVersionConflict):
			// A concurrent mutation won; reload and retry.
			continue
		default:
			return user.User{}, err
		}
	}

	return user.User{}, apperrors.Wrap(apperrors.CodeGenerationExhausted,
		fmt.Sprintf("rotate %s uniquifier for user %s", field, userID), ErrGenerationExhausted)
}

// Apply sets a single uniquifier field on the record.
func Apply(u *user.User, field Field, value string) error {
	switch field {
	case FieldSession:
		u.SessionUniquifier = value
	case FieldToken:
		u.TokenUniquifier = value
	case FieldWebAuthn:
		u.WebAuthnUniquifier = value
	default:
		return fmt.Errorf("unknown uniquifier field %q", field)
	}
	return nil
}
