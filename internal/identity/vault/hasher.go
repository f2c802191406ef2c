// Package vault owns per-user secret material: password hashes, TOTP
// secrets, and SMS factor codes. Hashing, strength checking, and encryption
// at rest are injected capabilities so algorithms stay replaceable.
package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hasher is the password hashing capability. Verify reports a mismatch as
// false, never as an error.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) bool
}

// BcryptHasher hashes passwords with bcrypt. The zero value uses the
// library's default cost.
type BcryptHasher struct {
	Cost int
}

// Hash computes a bcrypt hash of the plaintext.
func (h BcryptHasher) Hash(plaintext string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether the plaintext matches the stored bcrypt hash.
func (h BcryptHasher) Verify(plaintext, encoded string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plaintext)) == nil
}

// Argon2Hasher hashes passwords with argon2id in PHC string format.
type Argon2Hasher struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Hasher returns an Argon2Hasher with conservative parameters.
func DefaultArgon2Hasher() Argon2Hasher {
	return Argon2Hasher{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hash computes an argon2id hash in PHC format.
func (h Argon2Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.Time, h.Memory, h.Parallelism, h.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether the plaintext matches the stored PHC-format hash.
// The stored parameters are used, so cost changes do not invalidate old
// hashes.
func (h Argon2Hasher) Verify(plaintext, encoded string) bool {
	memory, time, parallelism, salt, key, ok := parseArgon2PHC(encoded)
	if !ok {
		return false
	}
	computed := argon2.IDKey([]byte(plaintext), salt, time, memory, parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(computed, key) == 1
}

func parseArgon2PHC(encoded string) (memory, time uint32, parallelism uint8, salt, key []byte, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, false
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return 0, 0, 0, nil, nil, false
	}
	values := make(map[string]uint64, 3)
	for _, param := range params {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			return 0, 0, 0, nil, nil, false
		}
		parsed, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return 0, 0, 0, nil, nil, false
		}
		values[kv[0]] = parsed
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, false
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, false
	}

	return uint32(values["m"]), uint32(values["t"]), uint8(values["p"]), salt, key, true
}
