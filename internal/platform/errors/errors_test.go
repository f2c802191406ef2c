package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	base := New(CodeNotFound, "record not found")
	other := New(CodeNotFound, "different message, same code")

	if !errors.Is(other, base) {
		t.Fatal("expected errors with the same code to match")
	}
	if errors.Is(New(CodeDuplicate, "dup"), base) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestErrorIsMatchesThroughWrapping(t *testing.T) {
	base := New(CodePossibleCloneDetected, "sign count regressed")
	wrapped := fmt.Errorf("finish assertion: %w", base)

	if !errors.Is(wrapped, base) {
		t.Fatal("expected wrapped error to match by code")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeDeletionIncomplete, "delete account", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
}

func TestKindClassification(t *testing.T) {
	tests := []struct {
		code Code
		want Kind
	}{
		{CodeEmailInUse, KindValidation},
		{CodeWeakPassword, KindValidation},
		{CodePasswordMismatch, KindAuthentication},
		{CodeCodeExpired, KindAuthentication},
		{CodeChallengeExpired, KindCeremony},
		{CodePossibleCloneDetected, KindCeremony},
		{CodeGenerationExhausted, KindConsistency},
		{CodeDeletionIncomplete, KindConsistency},
		{CodeNotFound, KindStorage},
		{Code("SOMETHING_ELSE"), KindUnknown},
	}

	for _, tc := range tests {
		if got := tc.code.Kind(); got != tc.want {
			t.Fatalf("kind for %s: got %s, want %s", tc.code, got, tc.want)
		}
	}
}
