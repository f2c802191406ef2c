// Package token mints and verifies bearer tokens bound to the token
// uniquifier. Rotating the uniquifier invalidates every outstanding token
// without tracking them individually.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/credence/internal/identity/storage"
	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

const uniquifierClaim = "uqf"

// Config controls bearer token issuance.
type Config struct {
	SigningKey []byte        `env:"CREDENCE_TOKEN_SIGNING_KEY,unset"`
	TTL        time.Duration `env:"CREDENCE_TOKEN_TTL"         envDefault:"1h"`
	Issuer     string        `env:"CREDENCE_TOKEN_ISSUER"      envDefault:"credence"`
}

// Issuer mints and verifies HS256 bearer tokens.
type Issuer struct {
	cfg   Config
	store storage.UserStore
	clock func() time.Time
}

// NewIssuer creates an Issuer backed by store for uniquifier checks.
func NewIssuer(cfg Config, store storage.UserStore) (*Issuer, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if store == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Issuer{cfg: cfg, store: store, clock: time.Now}, nil
}

// Issue mints a token for the user embedding their current token uniquifier.
func (i *Issuer) Issue(ctx context.Context, userID string) (string, error) {
	u, err := i.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	now := i.clock().UTC()
	claims := jwt.MapClaims{
		"iss":           i.cfg.Issuer,
		"sub":           u.ID,
		"iat":           jwt.NewNumericDate(now),
		"exp":           jwt.NewNumericDate(now.Add(i.cfg.TTL)),
		uniquifierClaim: u.TokenUniquifier,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry, then matches the embedded
// uniquifier against the stored record. Any mismatch, including a rotation
// since issuance, fails with a token-invalid error.
func (i *Issuer) Verify(ctx context.Context, tokenString string) (string, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.cfg.SigningKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.clock() }))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeTokenInvalid, "token rejected", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperrors.New(apperrors.CodeTokenInvalid, "token claims malformed")
	}
	userID, _ := claims["sub"].(string)
	uniquifier, _ := claims[uniquifierClaim].(string)
	if userID == "" || uniquifier == "" {
		return "", apperrors.New(apperrors.CodeTokenInvalid, "token claims incomplete")
	}

	u, err := i.store.GetUser(ctx, userID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeTokenInvalid, "token subject unknown", err)
	}
	if u.TokenUniquifier != uniquifier {
		return "", apperrors.New(apperrors.CodeTokenInvalid, "token uniquifier no longer current")
	}
	return u.ID, nil
}
