package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/credence/internal/identity/audit"
	"github.com/louisbranch/credence/internal/identity/storage"
	"github.com/louisbranch/credence/internal/identity/user"
	apperrors "github.com/louisbranch/credence/internal/platform/errors"
	"github.com/louisbranch/credence/internal/platform/id"
)

// ceremonyProvider is the surface of webauthn.WebAuthn the relying party
// exercises; tests substitute fakes.
type ceremonyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type responseParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// RelyingParty runs WebAuthn ceremonies against persisted challenge sessions
// and credentials.
type RelyingParty struct {
	cfg    Config
	web    ceremonyProvider
	parser responseParser
	store  storage.Store
	sink   audit.Sink
	clock  func() time.Time
	newID  func() (string, error)
}

// NewRelyingParty builds a relying party from the configuration.
func NewRelyingParty(cfg Config, store storage.Store, sink audit.Sink) (*RelyingParty, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure relying party: %w", err)
	}
	if sink == nil {
		sink = audit.NoopSink{}
	}
	return &RelyingParty{
		cfg:    cfg,
		web:    web,
		parser: defaultParser{},
		store:  store,
		sink:   sink,
		clock:  time.Now,
		newID:  id.NewID,
	}, nil
}

// ceremonyUser adapts an identity record to the webauthn.User contract. The
// user handle is the WebAuthn uniquifier, never the row id, so rotating the
// uniquifier orphans all previously bound credentials.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.WebAuthnUniquifier)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// Ceremony is the challenge payload handed to the client: the session id to
// present at finish time plus the encoded options.
type Ceremony struct {
	SessionID   string
	OptionsJSON []byte
}

// BeginRegistration starts a credential creation ceremony for the user,
// excluding their already registered credential ids.
func (p *RelyingParty) BeginRegistration(ctx context.Context, userID string) (Ceremony, error) {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return Ceremony{}, err
	}
	cu, err := p.loadCeremonyUser(ctx, u)
	if err != nil {
		return Ceremony{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(cu.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(cu.credentials).CredentialDescriptors()))
	}

	creation, session, err := p.web.BeginRegistration(cu, options...)
	if err != nil {
		return Ceremony{}, fmt.Errorf("begin registration: %w", err)
	}
	return p.storeCeremony(ctx, CeremonyKindRegistration, u.ID, session, creation)
}

// FinishRegistration verifies the attestation response and persists the new
// credential under the given nickname. Rejected responses leave storage
// untouched.
func (p *RelyingParty) FinishRegistration(ctx context.Context, sessionID, name string, responseJSON []byte) (storage.Credential, error) {
	session, err := p.loadCeremony(ctx, sessionID, CeremonyKindRegistration)
	if err != nil {
		return storage.Credential{}, err
	}
	u, err := p.store.GetUser(ctx, session.UserID)
	if err != nil {
		return storage.Credential{}, err
	}
	records, err := p.store.ListCredentials(ctx, u.ID)
	if err != nil {
		return storage.Credential{}, err
	}
	cu, err := newCeremonyUser(u, records)
	if err != nil {
		return storage.Credential{}, err
	}

	name = strings.TrimSpace(name)
	if name != "" {
		for _, existing := range records {
			if existing.Name == name {
				return storage.Credential{}, apperrors.WithMetadata(apperrors.CodeCredentialNameInUse,
					"credential name is already in use", map[string]string{"name": name})
			}
		}
	}

	parsed, err := p.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeAttestationInvalid, "parse credential response", err)
	}
	credential, err := p.web.CreateCredential(cu, session.Data, parsed)
	if err != nil {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeAttestationInvalid, "verify attestation", err)
	}

	credentialID := encodeCredentialID(credential.ID)
	if _, err := p.store.GetCredential(ctx, credentialID); err == nil {
		return storage.Credential{}, apperrors.WithMetadata(apperrors.CodeCredentialIDInUse,
			"credential id is already registered", map[string]string{"credential_id": credentialID})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Credential{}, err
	}

	record, err := p.credentialRecord(u.ID, name, *credential, parsed.ClientExtensionResults)
	if err != nil {
		return storage.Credential{}, err
	}
	if err := p.store.PutCredential(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return storage.Credential{}, apperrors.Wrap(apperrors.CodeCredentialIDInUse,
				"credential id is already registered", err)
		}
		return storage.Credential{}, err
	}
	_ = p.store.DeleteCeremonySession(ctx, sessionID)

	event := audit.NewEvent(audit.EventCredentialRegistered, p.clock())
	event.UserID = u.ID
	event.CredentialID = credentialID
	p.sink.Emit(ctx, event)

	return record, nil
}

// BeginAssertion starts a login ceremony. With a user id the challenge is
// scoped to that user's credentials; with an empty id it is discoverable.
func (p *RelyingParty) BeginAssertion(ctx context.Context, userID string) (Ceremony, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		assertion, session, err := p.web.BeginDiscoverableLogin()
		if err != nil {
			return Ceremony{}, fmt.Errorf("begin discoverable login: %w", err)
		}
		return p.storeCeremony(ctx, CeremonyKindLogin, "", session, assertion)
	}

	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return Ceremony{}, err
	}
	cu, err := p.loadCeremonyUser(ctx, u)
	if err != nil {
		return Ceremony{}, err
	}
	assertion, session, err := p.web.BeginLogin(cu)
	if err != nil {
		return Ceremony{}, fmt.Errorf("begin login: %w", err)
	}
	return p.storeCeremony(ctx, CeremonyKindLogin, u.ID, session, assertion)
}

// AssertionResult reports a verified login.
type AssertionResult struct {
	User       user.User
	Credential storage.Credential
}

// FinishAssertion verifies the assertion response, runs the sign-count clone
// check, and advances the stored counter with a single compare-and-set. A
// rejected or cloned assertion never mutates credential state.
func (p *RelyingParty) FinishAssertion(ctx context.Context, sessionID string, responseJSON []byte) (AssertionResult, error) {
	session, err := p.loadCeremony(ctx, sessionID, CeremonyKindLogin)
	if err != nil {
		return AssertionResult{}, err
	}

	parsed, err := p.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return AssertionResult{}, apperrors.Wrap(apperrors.CodeSignatureInvalid, "parse assertion response", err)
	}

	var (
		verifiedUser *ceremonyUser
		verified     *webauthn.Credential
	)
	if session.UserID != "" {
		u, err := p.store.GetUser(ctx, session.UserID)
		if err != nil {
			return AssertionResult{}, err
		}
		cu, err := p.loadCeremonyUser(ctx, u)
		if err != nil {
			return AssertionResult{}, err
		}
		verified, err = p.web.ValidateLogin(cu, session.Data, parsed)
		if err != nil {
			return AssertionResult{}, apperrors.Wrap(apperrors.CodeSignatureInvalid, "verify assertion", err)
		}
		verifiedUser = cu
	} else {
		validated, credential, err := p.web.ValidatePasskeyLogin(p.discoverableHandler(ctx), session.Data, parsed)
		if err != nil {
			return AssertionResult{}, apperrors.Wrap(apperrors.CodeSignatureInvalid, "verify assertion", err)
		}
		cu, ok := validated.(*ceremonyUser)
		if !ok {
			return AssertionResult{}, fmt.Errorf("unexpected ceremony user type %T", validated)
		}
		verifiedUser = cu
		verified = credential
	}

	credentialID := encodeCredentialID(verified.ID)
	record, err := p.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return AssertionResult{}, apperrors.New(apperrors.CodeUnknownCredential, "credential is not registered")
		}
		return AssertionResult{}, err
	}

	presented := verified.Authenticator.SignCount
	if presented <= record.SignCount && !(presented == 0 && record.SignCount == 0) {
		p.emitCloneEvent(ctx, verifiedUser.user.ID, credentialID, presented, record.SignCount)
		return AssertionResult{}, apperrors.WithMetadata(apperrors.CodePossibleCloneDetected,
			"sign count did not advance", map[string]string{"credential_id": credentialID})
	}

	usedAt := p.clock().UTC()
	if err := p.store.UpdateCredentialCounter(ctx, credentialID, record.SignCount, presented, usedAt); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			// A concurrent assertion advanced the counter first; the replayed
			// count is indistinguishable from a clone.
			p.emitCloneEvent(ctx, verifiedUser.user.ID, credentialID, presented, record.SignCount)
			return AssertionResult{}, apperrors.Wrap(apperrors.CodePossibleCloneDetected,
				"sign count raced a concurrent assertion", err)
		case errors.Is(err, storage.ErrNotFound):
			return AssertionResult{}, apperrors.Wrap(apperrors.CodeUnknownCredential,
				"credential was removed during the ceremony", err)
		default:
			return AssertionResult{}, err
		}
	}
	_ = p.store.DeleteCeremonySession(ctx, sessionID)

	record.SignCount = presented
	record.LastUsedAt = usedAt
	record.UpdatedAt = usedAt
	return AssertionResult{User: verifiedUser.user, Credential: record}, nil
}

// SweepExpiredCeremonies removes ceremony sessions whose expiry has passed.
func (p *RelyingParty) SweepExpiredCeremonies(ctx context.Context) (int64, error) {
	return p.store.DeleteExpiredCeremonySessions(ctx, p.clock().UTC())
}

func (p *RelyingParty) loadCeremonyUser(ctx context.Context, u user.User) (*ceremonyUser, error) {
	records, err := p.store.ListCredentials(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return newCeremonyUser(u, records)
}

func newCeremonyUser(u user.User, records []storage.Credential) (*ceremonyUser, error) {
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return &ceremonyUser{user: u, credentials: credentials}, nil
}

func (p *RelyingParty) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		uniquifier := string(userHandle)
		if strings.TrimSpace(uniquifier) == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		u, err := p.store.GetUserByWebAuthnUniquifier(ctx, uniquifier)
		if err != nil {
			return nil, err
		}
		return p.loadCeremonyUser(ctx, u)
	}
}

func (p *RelyingParty) storeCeremony(ctx context.Context, kind CeremonyKind, userID string, session *webauthn.SessionData, options any) (Ceremony, error) {
	if session == nil {
		return Ceremony{}, fmt.Errorf("session data is required")
	}
	sessionID, err := p.newID()
	if err != nil {
		return Ceremony{}, fmt.Errorf("create ceremony session id: %w", err)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return Ceremony{}, fmt.Errorf("encode ceremony session: %w", err)
	}
	if err := p.store.PutCeremonySession(ctx, storage.CeremonySession{
		ID:          sessionID,
		Kind:        string(kind),
		UserID:      userID,
		SessionJSON: string(payload),
		ExpiresAt:   p.clock().UTC().Add(p.cfg.CeremonyTTL),
	}); err != nil {
		return Ceremony{}, fmt.Errorf("store ceremony session: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return Ceremony{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	return Ceremony{SessionID: sessionID, OptionsJSON: optionsJSON}, nil
}

type loadedCeremony struct {
	Data   webauthn.SessionData
	UserID string
}

func (p *RelyingParty) loadCeremony(ctx context.Context, sessionID string, expected CeremonyKind) (loadedCeremony, error) {
	stored, err := p.store.GetCeremonySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return loadedCeremony{}, apperrors.New(apperrors.CodeChallengeExpired, "ceremony session not found")
		}
		return loadedCeremony{}, err
	}
	if stored.Kind != string(expected) {
		return loadedCeremony{}, apperrors.WithMetadata(apperrors.CodeCeremonyKindMismatch,
			"ceremony session kind mismatch", map[string]string{"kind": stored.Kind})
	}
	if stored.ExpiresAt.Before(p.clock().UTC()) {
		_ = p.store.DeleteCeremonySession(ctx, sessionID)
		return loadedCeremony{}, apperrors.New(apperrors.CodeChallengeExpired, "ceremony session expired")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return loadedCeremony{}, fmt.Errorf("decode ceremony session: %w", err)
	}
	return loadedCeremony{Data: session, UserID: stored.UserID}, nil
}

func (p *RelyingParty) credentialRecord(userID, name string, credential webauthn.Credential, extensions any) (storage.Credential, error) {
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("encode credential: %w", err)
	}
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	var extensionsJSON []byte
	if extensions != nil {
		extensionsJSON, err = json.Marshal(extensions)
		if err != nil {
			return storage.Credential{}, fmt.Errorf("encode extensions: %w", err)
		}
	}
	now := p.clock().UTC()
	return storage.Credential{
		CredentialID:   encodeCredentialID(credential.ID),
		UserID:         userID,
		Name:           name,
		PublicKey:      credential.PublicKey,
		SignCount:      credential.Authenticator.SignCount,
		Transports:     strings.Join(transports, ","),
		Extensions:     string(extensionsJSON),
		CredentialJSON: string(credentialJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (p *RelyingParty) emitCloneEvent(ctx context.Context, userID, credentialID string, presented, stored uint32) {
	event := audit.NewEvent(audit.EventPossibleCloneDetected, p.clock())
	event.UserID = userID
	event.CredentialID = credentialID
	event.Detail = fmt.Sprintf("presented sign count %d, stored %d", presented, stored)
	p.sink.Emit(ctx, event)
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
