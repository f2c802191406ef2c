// Package coordinator sequences cross-entity identity operations so partial
// failure never leaves contradictory state. Application actions enter here
// and fan out to the uniquifier authority, the credential vault, and the
// WebAuthn relying party, ending in a single persisted write.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/credence/internal/identity/audit"
	"github.com/louisbranch/credence/internal/identity/passkey"
	"github.com/louisbranch/credence/internal/identity/role"
	"github.com/louisbranch/credence/internal/identity/storage"
	"github.com/louisbranch/credence/internal/identity/uniquifier"
	"github.com/louisbranch/credence/internal/identity/user"
	"github.com/louisbranch/credence/internal/identity/vault"
	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

// maxUpdateAttempts bounds reload-and-retry on optimistic concurrency
// conflicts.
const maxUpdateAttempts = 3

// PayloadOverride transforms the public payload of a user before it is
// returned. The coordinator merges its output over the base payload but
// restores mandatory fields afterwards.
type PayloadOverride func(u user.User, base map[string]any) map[string]any

// Coordinator orchestrates identity operations against a single store.
type Coordinator struct {
	cfg       Config
	store     storage.Store
	authority *uniquifier.Authority
	vault     *vault.Vault
	party     *passkey.RelyingParty
	sink      audit.Sink
	clock     func() time.Time
	override  PayloadOverride
}

// Option configures optional Coordinator collaborators.
type Option func(*Coordinator)

// WithRelyingParty wires the WebAuthn relying party for credential flows.
func WithRelyingParty(party *passkey.RelyingParty) Option {
	return func(c *Coordinator) { c.party = party }
}

// WithAuditSink sets the destination for security events.
func WithAuditSink(sink audit.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.clock = now }
}

// WithPayloadOverride installs the public payload transform hook.
func WithPayloadOverride(override PayloadOverride) Option {
	return func(c *Coordinator) { c.override = override }
}

// New creates a Coordinator.
func New(cfg Config, store storage.Store, v *vault.Vault, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		authority: uniquifier.NewAuthority(store),
		vault:     v,
		sink:      audit.NoopSink{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register creates an identity record with fresh uniquifiers and a
// strength-checked password.
func (c *Coordinator) Register(ctx context.Context, email, password string) (user.User, error) {
	uniquifiers, err := uniquifier.NewSet()
	if err != nil {
		return user.User{}, fmt.Errorf("generate uniquifiers: %w", err)
	}
	u, err := user.CreateUser(user.CreateUserInput{Email: email}, uniquifiers, c.clock, nil)
	if err != nil {
		return user.User{}, err
	}
	if err := c.vault.ApplyPassword(&u, password); err != nil {
		return user.User{}, err
	}
	if err := c.store.PutUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return user.User{}, apperrors.Wrap(apperrors.CodeEmailInUse, "email is already registered", err)
		}
		return user.User{}, err
	}
	return u, nil
}

// PasswordLogin verifies the password and, when tracking is enabled, records
// the login. An unconfirmed account fails before the password is checked so
// the caller can prompt for confirmation.
func (c *Coordinator) PasswordLogin(ctx context.Context, email, password, ip string) (user.User, error) {
	u, err := c.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Indistinguishable from a wrong password on purpose.
			return user.User{}, apperrors.New(apperrors.CodePasswordMismatch, "password does not match")
		}
		return user.User{}, err
	}
	if !u.Active {
		return user.User{}, apperrors.New(apperrors.CodeAccountInactive, "account is inactive")
	}
	if c.cfg.Confirmable && !u.Confirmed() {
		return user.User{}, apperrors.New(apperrors.CodeConfirmationRequired, "email confirmation is required")
	}
	if err := c.vault.VerifyPassword(u, password); err != nil {
		return user.User{}, err
	}

	if !c.cfg.Trackable {
		return u, nil
	}
	return c.mutateUser(ctx, u.ID, func(u *user.User) error {
		u.RecordLogin(c.clock(), ip)
		return nil
	})
}

// ConfirmEmail marks the account email as confirmed.
func (c *Coordinator) ConfirmEmail(ctx context.Context, userID string) (user.User, error) {
	return c.mutateUser(ctx, userID, func(u *user.User) error {
		u.Confirm(c.clock())
		return nil
	})
}

// ChangePassword verifies the current password and applies the new one. The
// session uniquifier always rotates so other live sessions must
// re-authenticate; the token uniquifier rotates too unless identity domains
// are separated. The WebAuthn uniquifier is never touched here.
func (c *Coordinator) ChangePassword(ctx context.Context, userID, current, next string) (user.User, error) {
	verified, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, err
	}
	if err := c.vault.VerifyPassword(verified, current); err != nil {
		return user.User{}, err
	}

	updated, err := c.mutateUser(ctx, userID, func(u *user.User) error {
		if err := c.vault.ApplyPassword(u, next); err != nil {
			return err
		}
		session, err := uniquifier.Generate()
		if err != nil {
			return fmt.Errorf("generate session uniquifier: %w", err)
		}
		u.SessionUniquifier = session
		if !c.cfg.SeparateIdentityDomains {
			token, err := uniquifier.Generate()
			if err != nil {
				return fmt.Errorf("generate token uniquifier: %w", err)
			}
			u.TokenUniquifier = token
		}
		return nil
	})
	if err != nil {
		return user.User{}, err
	}

	event := audit.NewEvent(audit.EventUniquifierRotated, c.clock())
	event.UserID = userID
	event.Detail = "password change"
	c.sink.Emit(ctx, event)
	return updated, nil
}

// RotateWebAuthnUniquifier resets the WebAuthn user handle. Existing
// credential rows stay in place but can no longer be asserted through the
// old handle; sessions and tokens are untouched.
func (c *Coordinator) RotateWebAuthnUniquifier(ctx context.Context, userID string) (user.User, error) {
	u, err := c.authority.RotateWebAuthn(ctx, userID)
	if err != nil {
		return user.User{}, err
	}
	event := audit.NewEvent(audit.EventUniquifierRotated, c.clock())
	event.UserID = userID
	event.Detail = "webauthn handle reset"
	c.sink.Emit(ctx, event)
	return u, nil
}

// DeleteAccount removes the identity record and everything referencing it in
// one transaction. A partial failure rolls back and surfaces as a
// consistency error with an audit trail rather than leaving orphans.
func (c *Coordinator) DeleteAccount(ctx context.Context, userID string) error {
	err := c.store.DeleteUser(ctx, userID)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}

	event := audit.NewEvent(audit.EventDeletionIncomplete, c.clock())
	event.UserID = userID
	event.Detail = err.Error()
	c.sink.Emit(ctx, event)
	return apperrors.Wrap(apperrors.CodeDeletionIncomplete, "account deletion rolled back", err)
}

// EnrollTOTP enrolls the TOTP factor and returns the provisioning payload
// for out-of-band display.
func (c *Coordinator) EnrollTOTP(ctx context.Context, userID string) (vault.TOTPProvisioning, error) {
	if !c.cfg.TOTPEnabled {
		return vault.TOTPProvisioning{}, apperrors.New(apperrors.CodeFeatureDisabled, "totp is not enabled")
	}
	var provisioning vault.TOTPProvisioning
	_, err := c.mutateUser(ctx, userID, func(u *user.User) error {
		p, err := c.vault.EnrollTOTP(u)
		if err != nil {
			return err
		}
		if u.PrimaryMethod == "" {
			u.PrimaryMethod = "totp"
		}
		provisioning = p
		return nil
	})
	if err != nil {
		return vault.TOTPProvisioning{}, err
	}
	return provisioning, nil
}

// VerifyTOTP checks a one-time code for the user.
func (c *Coordinator) VerifyTOTP(ctx context.Context, userID, code string) error {
	if !c.cfg.TOTPEnabled {
		return apperrors.New(apperrors.CodeFeatureDisabled, "totp is not enabled")
	}
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return c.vault.VerifyTOTP(u, code)
}

// IssueSMSCode generates and delivers a login code to the user's phone.
func (c *Coordinator) IssueSMSCode(ctx context.Context, userID string) error {
	if !c.cfg.SMSEnabled && !c.cfg.UnifiedSigninEnabled {
		return apperrors.New(apperrors.CodeFeatureDisabled, "sms is not enabled")
	}
	_, err := c.mutateUser(ctx, userID, func(u *user.User) error {
		return c.vault.IssueSMSCode(ctx, u)
	})
	return err
}

// VerifySMSCode checks a delivered code and consumes it.
func (c *Coordinator) VerifySMSCode(ctx context.Context, userID, code string) error {
	if !c.cfg.SMSEnabled && !c.cfg.UnifiedSigninEnabled {
		return apperrors.New(apperrors.CodeFeatureDisabled, "sms is not enabled")
	}
	_, err := c.mutateUser(ctx, userID, func(u *user.User) error {
		return c.vault.VerifySMSCode(u, code)
	})
	return err
}

// BeginCredentialRegistration starts a WebAuthn registration ceremony.
func (c *Coordinator) BeginCredentialRegistration(ctx context.Context, userID string) (passkey.Ceremony, error) {
	if err := c.requireWebAuthn(); err != nil {
		return passkey.Ceremony{}, err
	}
	return c.party.BeginRegistration(ctx, userID)
}

// FinishCredentialRegistration completes a registration ceremony.
func (c *Coordinator) FinishCredentialRegistration(ctx context.Context, sessionID, name string, responseJSON []byte) (storage.Credential, error) {
	if err := c.requireWebAuthn(); err != nil {
		return storage.Credential{}, err
	}
	return c.party.FinishRegistration(ctx, sessionID, name, responseJSON)
}

// BeginCredentialAssertion starts a WebAuthn login ceremony. An empty user
// id starts a discoverable ceremony.
func (c *Coordinator) BeginCredentialAssertion(ctx context.Context, userID string) (passkey.Ceremony, error) {
	if err := c.requireWebAuthn(); err != nil {
		return passkey.Ceremony{}, err
	}
	return c.party.BeginAssertion(ctx, userID)
}

// FinishCredentialAssertion completes a login ceremony and, when tracking is
// enabled, records the login.
func (c *Coordinator) FinishCredentialAssertion(ctx context.Context, sessionID string, responseJSON []byte, ip string) (passkey.AssertionResult, error) {
	if err := c.requireWebAuthn(); err != nil {
		return passkey.AssertionResult{}, err
	}
	result, err := c.party.FinishAssertion(ctx, sessionID, responseJSON)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	if c.cfg.Trackable {
		updated, err := c.mutateUser(ctx, result.User.ID, func(u *user.User) error {
			u.RecordLogin(c.clock(), ip)
			return nil
		})
		if err != nil {
			return passkey.AssertionResult{}, err
		}
		result.User = updated
	}
	return result, nil
}

// RevokeCredential removes a registered credential owned by the user.
func (c *Coordinator) RevokeCredential(ctx context.Context, userID, credentialID string) error {
	if err := c.requireWebAuthn(); err != nil {
		return err
	}
	credential, err := c.store.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if credential.UserID != userID {
		return apperrors.New(apperrors.CodeUnknownCredential, "credential does not belong to the user")
	}
	if err := c.store.DeleteCredential(ctx, credentialID); err != nil {
		return err
	}

	event := audit.NewEvent(audit.EventCredentialRemoved, c.clock())
	event.UserID = userID
	event.CredentialID = credentialID
	c.sink.Emit(ctx, event)
	return nil
}

// Permissions resolves the user's effective permission set: the union over
// all assigned roles.
func (c *Coordinator) Permissions(ctx context.Context, userID string) ([]string, error) {
	roles, err := c.store.ListRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return role.EffectivePermissions(roles), nil
}

// PublicPayload serializes the user's public profile. An installed override
// may extend or reshape the payload but mandatory fields always survive.
func (c *Coordinator) PublicPayload(u user.User) map[string]any {
	payload := map[string]any{
		"id":     u.ID,
		"email":  u.Email,
		"active": u.Active,
	}
	if c.cfg.Confirmable {
		payload["confirmation_needed"] = !u.Confirmed()
	}
	if c.cfg.Trackable {
		payload["login_count"] = u.LoginCount
		if u.LastLoginAt != nil {
			payload["last_login_at"] = u.LastLoginAt.UTC().Format(time.RFC3339)
		}
	}

	if c.override == nil {
		return payload
	}
	merged := c.override(u, payload)
	if merged == nil {
		return payload
	}
	merged["id"] = u.ID
	merged["email"] = u.Email
	merged["active"] = u.Active
	if c.cfg.Confirmable {
		merged["confirmation_needed"] = !u.Confirmed()
	}
	return merged
}

func (c *Coordinator) requireWebAuthn() error {
	if !c.cfg.WebAuthnEnabled {
		return apperrors.New(apperrors.CodeFeatureDisabled, "webauthn is not enabled")
	}
	if c.party == nil {
		return fmt.Errorf("relying party is not configured")
	}
	return nil
}

// mutateUser reloads, mutates, and writes the record, retrying a bounded
// number of times when a concurrent mutation or uniquifier collision wins.
func (c *Coordinator) mutateUser(ctx context.Context, userID string, mutate func(*user.User) error) (user.User, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		u, err := c.store.GetUser(ctx, userID)
		if err != nil {
			return user.User{}, err
		}
		if err := mutate(&u); err != nil {
			return user.User{}, err
		}

		err = c.store.UpdateUser(ctx, u)
		switch {
		case err == nil:
			u.Version++
			return u, nil
		case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrDuplicate):
			lastErr = err
			continue
		default:
			return user.User{}, err
		}
	}
	return user.User{}, fmt.Errorf("update user %s: %w", userID, lastErr)
}
