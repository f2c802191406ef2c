// Package user defines the identity record at the core of Credence.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/louisbranch/credence/internal/platform/errors"
	"github.com/louisbranch/credence/internal/platform/id"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeEmailInvalid, "email is required")
	// ErrInvalidEmail indicates an email that does not match the required format.
	ErrInvalidEmail = apperrors.New(apperrors.CodeEmailInvalid, "email must contain a local part and a domain")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// User represents an identity record and its factor material.
//
// The three uniquifiers are independent: rotating one never mutates the
// others. SessionUniquifier gates live sessions, TokenUniquifier gates bearer
// tokens, and WebAuthnUniquifier is the stable user handle for WebAuthn
// ceremonies.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool

	SessionUniquifier  string
	TokenUniquifier    string
	WebAuthnUniquifier string

	// Confirmable
	ConfirmedAt *time.Time

	// Trackable
	LoginCount     int64
	CurrentLoginAt *time.Time
	LastLoginAt    *time.Time
	CurrentLoginIP string
	LastLoginIP    string

	// Two-factor
	TOTPSecret    []byte // encrypted at rest
	PrimaryMethod string
	PhoneNumber   string

	// Unified sign-in
	UnifiedSigninSecret []byte // encrypted at rest
	SMSCodeHash         string
	SMSCodeExpiresAt    *time.Time

	// Version supports optimistic concurrency on per-record mutations.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Uniquifiers carries one fresh value for each uniquifier field.
type Uniquifiers struct {
	Session  string
	Token    string
	WebAuthn string
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Email string
}

// ValidateEmail enforces the canonical email shape used as the unique login
// identifier.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeCreateUserInput trims and normalizes input before validation.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if input.Email == "" {
		return CreateUserInput{}, ErrEmptyEmail
	}
	if err := ValidateEmail(input.Email); err != nil {
		return CreateUserInput{}, err
	}
	return input, nil
}

// CreateUser creates an identity record from validated input with fresh
// uniquifiers. The record is active and unconfirmed; the caller decides
// whether confirmation is required before login.
func CreateUser(input CreateUserInput, uniquifiers Uniquifiers, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}
	if uniquifiers.Session == "" || uniquifiers.Token == "" || uniquifiers.WebAuthn == "" {
		return User{}, fmt.Errorf("all uniquifiers are required")
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:                 userID,
		Email:              normalized.Email,
		Active:             true,
		SessionUniquifier:  uniquifiers.Session,
		TokenUniquifier:    uniquifiers.Token,
		WebAuthnUniquifier: uniquifiers.WebAuthn,
		Version:            1,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}, nil
}

// RecordLogin shifts the current login markers to the last-login fields and
// stamps the new login. Callers gate this on the trackable feature flag.
func (u *User) RecordLogin(at time.Time, ip string) {
	at = at.UTC()
	u.LastLoginAt = u.CurrentLoginAt
	u.LastLoginIP = u.CurrentLoginIP
	u.CurrentLoginAt = &at
	u.CurrentLoginIP = ip
	u.LoginCount++
}

// Confirm marks the account email as confirmed. Confirming twice keeps the
// original timestamp.
func (u *User) Confirm(at time.Time) {
	if u.ConfirmedAt != nil {
		return
	}
	at = at.UTC()
	u.ConfirmedAt = &at
}

// Confirmed reports whether the account email has been confirmed.
func (u User) Confirmed() bool {
	return u.ConfirmedAt != nil
}
