// Package vault manages credential material: password hashing and
// verification, TOTP enrolment and checks, and SMS one-time codes. Factor
// secrets are encrypted before they touch storage.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/credence/internal/identity/user"
	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

// Vault binds the hashing, policy, and cipher primitives into the credential
// operations the coordinator calls.
type Vault struct {
	hasher   Hasher
	policy   StrengthPolicy
	cipher   Cipher
	totp     TOTPConfig
	delivery Delivery
	smsTTL   time.Duration
	now      func() time.Time
}

// Option configures optional Vault collaborators.
type Option func(*Vault)

// WithHasher overrides the default bcrypt hasher.
func WithHasher(h Hasher) Option {
	return func(v *Vault) { v.hasher = h }
}

// WithStrengthPolicy overrides the default minimum-length policy.
func WithStrengthPolicy(p StrengthPolicy) Option {
	return func(v *Vault) { v.policy = p }
}

// WithCipher overrides the default AES-GCM cipher for secrets at rest.
func WithCipher(c Cipher) Option {
	return func(v *Vault) { v.cipher = c }
}

// WithTOTPConfig overrides the default TOTP parameters.
func WithTOTPConfig(c TOTPConfig) Option {
	return func(v *Vault) { v.totp = c }
}

// WithDelivery sets the out-of-band delivery channel for SMS codes.
func WithDelivery(d Delivery) Option {
	return func(v *Vault) { v.delivery = d }
}

// WithSMSCodeTTL overrides the default code lifetime.
func WithSMSCodeTTL(ttl time.Duration) Option {
	return func(v *Vault) { v.smsTTL = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// New creates a Vault. The cipher key encrypts factor secrets at rest and
// must be 16, 24, or 32 bytes.
func New(cipherKey []byte, opts ...Option) (*Vault, error) {
	cipher, err := NewAESGCMCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		hasher:   BcryptHasher{},
		policy:   DefaultStrengthPolicy(),
		cipher:   cipher,
		totp:     DefaultTOTPConfig(),
		delivery: NoopDelivery{},
		smsTTL:   DefaultSMSCodeTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ApplyPassword validates the plaintext against the strength policy and
// stores its hash on the user. The caller persists the record.
func (v *Vault) ApplyPassword(u *user.User, plaintext string) error {
	if err := v.policy.Validate(plaintext); err != nil {
		return err
	}
	hash, err := v.hasher.Hash(plaintext)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hash
	return nil
}

// VerifyPassword checks the plaintext against the stored hash.
func (v *Vault) VerifyPassword(u user.User, plaintext string) error {
	if u.PasswordHash == "" || !v.hasher.Verify(plaintext, u.PasswordHash) {
		return apperrors.New(apperrors.CodePasswordMismatch, "password does not match")
	}
	return nil
}

// EnrollTOTP generates a fresh shared secret, stores it encrypted on the
// user, and returns the provisioning payload to present once to the user.
func (v *Vault) EnrollTOTP(u *user.User) (TOTPProvisioning, error) {
	raw, encoded, err := generateTOTPSecret()
	if err != nil {
		return TOTPProvisioning{}, err
	}
	sealed, err := v.cipher.Encrypt(raw)
	if err != nil {
		return TOTPProvisioning{}, fmt.Errorf("seal totp secret: %w", err)
	}
	u.TOTPSecret = sealed
	return TOTPProvisioning{
		Secret: encoded,
		URI:    v.totp.provisionURI(encoded, u.Email),
		Label:  v.totp.Issuer + ":" + u.Email,
	}, nil
}

// VerifyTOTP checks a one-time code against the user's enrolled secret.
func (v *Vault) VerifyTOTP(u user.User, code string) error {
	if len(u.TOTPSecret) == 0 {
		return apperrors.New(apperrors.CodeCodeInvalid, "totp is not enrolled")
	}
	secret, err := v.cipher.Decrypt(u.TOTPSecret)
	if err != nil {
		return fmt.Errorf("open totp secret: %w", err)
	}
	return v.totp.verifyTOTP(secret, code, v.now())
}

// IssueSMSCode generates a code, delivers it to the user's phone number, and
// records its hash and expiry on the user. The caller persists the record.
// Delivery failures surface to the caller and leave no code recorded.
func (v *Vault) IssueSMSCode(ctx context.Context, u *user.User) error {
	if u.PhoneNumber == "" {
		return apperrors.New(apperrors.CodePhoneNumberMissing, "no phone number on record")
	}
	secret, err := v.smsSecret(u)
	if err != nil {
		return err
	}
	code, err := generateSMSCode()
	if err != nil {
		return err
	}
	if err := v.delivery.Send(ctx, u.PhoneNumber, code); err != nil {
		return fmt.Errorf("deliver code: %w", err)
	}
	expires := v.now().UTC().Add(v.smsTTL)
	u.SMSCodeHash = hashSMSCode(secret, code)
	u.SMSCodeExpiresAt = &expires
	return nil
}

// VerifySMSCode checks a delivered code. On success the stored code is
// cleared so it cannot be replayed; the caller persists the record.
func (v *Vault) VerifySMSCode(u *user.User, code string) error {
	secret, err := v.smsSecret(u)
	if err != nil {
		return err
	}
	if err := verifySMSCodeHash(secret, code, u.SMSCodeHash, u.SMSCodeExpiresAt, v.now()); err != nil {
		return err
	}
	u.SMSCodeHash = ""
	u.SMSCodeExpiresAt = nil
	return nil
}

// smsSecret returns the per-user keying material for SMS code hashes,
// creating and sealing it on first use.
func (v *Vault) smsSecret(u *user.User) ([]byte, error) {
	if len(u.UnifiedSigninSecret) == 0 {
		raw, _, err := generateTOTPSecret()
		if err != nil {
			return nil, err
		}
		sealed, err := v.cipher.Encrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("seal signin secret: %w", err)
		}
		u.UnifiedSigninSecret = sealed
		return raw, nil
	}
	raw, err := v.cipher.Decrypt(u.UnifiedSigninSecret)
	if err != nil {
		return nil, fmt.Errorf("open signin secret: %w", err)
	}
	return raw, nil
}
