package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

const totpSecretBytes = 20

// staleWindowLookback is how many extra steps beyond the skew window are
// scanned to distinguish an expired code from a wrong one.
const staleWindowLookback = 8

// TOTPConfig controls time-based one-time password generation.
type TOTPConfig struct {
	Issuer    string `env:"CREDENCE_TOTP_ISSUER"    envDefault:"Credence"`
	Digits    int    `env:"CREDENCE_TOTP_DIGITS"    envDefault:"6"`
	Period    int    `env:"CREDENCE_TOTP_PERIOD"    envDefault:"30"`
	Skew      int    `env:"CREDENCE_TOTP_SKEW"      envDefault:"1"`
	Algorithm string `env:"CREDENCE_TOTP_ALGORITHM" envDefault:"SHA1"`
}

// DefaultTOTPConfig returns the RFC 6238 defaults with ±1 step of skew.
func DefaultTOTPConfig() TOTPConfig {
	return TOTPConfig{Issuer: "Credence", Digits: 6, Period: 30, Skew: 1, Algorithm: "SHA1"}
}

// TOTPProvisioning is the out-of-band enrolment payload: the shared secret
// plus a provisioning URI suitable for QR display.
type TOTPProvisioning struct {
	Secret string
	URI    string
	Label  string
}

// generateTOTPSecret returns fresh shared-secret material and its base32
// encoding.
func generateTOTPSecret() ([]byte, string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("read totp secret: %w", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// provisionURI builds the otpauth:// URI for authenticator apps.
func (c TOTPConfig) provisionURI(secretBase32, account string) string {
	label := url.PathEscape(c.Issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", c.Issuer)
	v.Set("period", strconv.Itoa(c.Period))
	v.Set("digits", strconv.Itoa(c.Digits))
	v.Set("algorithm", strings.ToUpper(c.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// verifyTOTP checks the code against the secret within the skew window.
// Codes matching an older window beyond the skew fail as expired; anything
// else fails as invalid.
func (c TOTPConfig) verifyTOTP(secret []byte, code string, now time.Time) error {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != c.Digits || !isNumericString(trimmed) {
		return apperrors.New(apperrors.CodeCodeInvalid, "one-time code is malformed")
	}
	if len(secret) == 0 {
		return fmt.Errorf("empty totp secret")
	}

	baseCounter := now.Unix() / int64(c.Period)
	for step := -c.Skew; step <= c.Skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(secret, counter, c.Digits, c.Algorithm)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return nil
		}
	}

	// Scan recent history so a code that was valid a few windows ago is
	// reported as expired rather than wrong.
	for step := c.Skew + 1; step <= c.Skew+staleWindowLookback; step++ {
		counter := baseCounter - int64(step)
		if counter < 0 {
			break
		}
		generated, err := hotpCode(secret, counter, c.Digits, c.Algorithm)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return apperrors.New(apperrors.CodeCodeExpired, "one-time code has expired")
		}
	}

	return apperrors.New(apperrors.CodeCodeInvalid, "one-time code does not match")
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported totp algorithm %q", algorithm)
	}
}

func isNumericString(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
