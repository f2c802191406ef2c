package vault

import (
	"fmt"

	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

// StrengthPolicy validates candidate passwords before hashing.
type StrengthPolicy interface {
	Validate(plaintext string) error
}

// MinLengthPolicy rejects passwords shorter than Min bytes.
type MinLengthPolicy struct {
	Min int
}

// DefaultStrengthPolicy requires at least 8 bytes.
func DefaultStrengthPolicy() MinLengthPolicy {
	return MinLengthPolicy{Min: 8}
}

// Validate enforces the minimum length.
func (p MinLengthPolicy) Validate(plaintext string) error {
	if len(plaintext) < p.Min {
		return apperrors.New(apperrors.CodeWeakPassword,
			fmt.Sprintf("password must be at least %d bytes", p.Min))
	}
	return nil
}
