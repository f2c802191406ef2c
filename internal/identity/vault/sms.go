package vault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

const smsCodeDigits = 6

// DefaultSMSCodeTTL bounds how long a delivered code stays verifiable.
const DefaultSMSCodeTTL = 10 * time.Minute

// Delivery sends an out-of-band message to a destination such as a phone
// number. Implementations wrap SMS gateways; tests substitute fakes.
type Delivery interface {
	Send(ctx context.Context, destination, payload string) error
}

// NoopDelivery discards every message. Useful when the SMS factor is
// configured but no gateway is wired.
type NoopDelivery struct{}

func (NoopDelivery) Send(context.Context, string, string) error { return nil }

// generateSMSCode returns a uniformly random numeric code.
func generateSMSCode() (string, error) {
	mod := big.NewInt(1)
	for i := 0; i < smsCodeDigits; i++ {
		mod.Mul(mod, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, mod)
	if err != nil {
		return "", fmt.Errorf("read sms code: %w", err)
	}
	return fmt.Sprintf("%0*d", smsCodeDigits, n), nil
}

// hashSMSCode produces the stored form of a delivered code. Codes are short
// lived and low entropy, so a keyed digest over the user's secret is enough.
func hashSMSCode(secret []byte, code string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySMSCodeHash(secret []byte, code, storedHash string, expiresAt *time.Time, now time.Time) error {
	if storedHash == "" || expiresAt == nil {
		return apperrors.New(apperrors.CodeCodeInvalid, "no code has been issued")
	}
	if now.After(*expiresAt) {
		return apperrors.New(apperrors.CodeCodeExpired, "code has expired")
	}
	if !hmac.Equal([]byte(hashSMSCode(secret, code)), []byte(storedHash)) {
		return apperrors.New(apperrors.CodeCodeInvalid, "code does not match")
	}
	return nil
}
