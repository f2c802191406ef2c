// Package errors provides coded domain errors for Credence.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeEmailInvalid        Code = "EMAIL_INVALID"
	CodeEmailInUse          Code = "EMAIL_IN_USE"
	CodeWeakPassword        Code = "WEAK_PASSWORD"
	CodeCredentialIDInUse   Code = "CREDENTIAL_ID_IN_USE"
	CodeCredentialNameInUse Code = "CREDENTIAL_NAME_IN_USE"
	CodeFeatureDisabled     Code = "FEATURE_DISABLED"
	CodePhoneNumberMissing  Code = "PHONE_NUMBER_MISSING"

	// Authentication errors
	CodePasswordMismatch     Code = "PASSWORD_MISMATCH"
	CodeCodeInvalid          Code = "CODE_INVALID"
	CodeCodeExpired          Code = "CODE_EXPIRED"
	CodeAccountInactive      Code = "ACCOUNT_INACTIVE"
	CodeConfirmationRequired Code = "CONFIRMATION_REQUIRED"
	CodeTokenInvalid         Code = "TOKEN_INVALID"

	// Ceremony errors
	CodeChallengeExpired      Code = "CHALLENGE_EXPIRED"
	CodeCeremonyKindMismatch  Code = "CEREMONY_KIND_MISMATCH"
	CodeAttestationInvalid    Code = "ATTESTATION_INVALID"
	CodeSignatureInvalid      Code = "SIGNATURE_INVALID"
	CodeUnknownCredential     Code = "UNKNOWN_CREDENTIAL"
	CodePossibleCloneDetected Code = "POSSIBLE_CLONE_DETECTED"

	// Consistency errors
	CodeGenerationExhausted Code = "GENERATION_EXHAUSTED"
	CodeDeletionIncomplete  Code = "DELETION_INCOMPLETE"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeDuplicate       Code = "DUPLICATE"
	CodeVersionConflict Code = "VERSION_CONFLICT"
)

// Kind groups codes into the failure taxonomy used across the module.
type Kind string

const (
	// KindValidation covers malformed or duplicate input; surfaced, never retried.
	KindValidation Kind = "validation"
	// KindAuthentication covers credential mismatches; surfaced, never retried internally.
	KindAuthentication Kind = "authentication"
	// KindCeremony covers WebAuthn ceremony rejections.
	KindCeremony Kind = "ceremony"
	// KindConsistency covers failures fatal to the triggering operation.
	KindConsistency Kind = "consistency"
	// KindStorage covers repository-level conditions.
	KindStorage Kind = "storage"
	// KindUnknown is the fallback for unclassified codes.
	KindUnknown Kind = "unknown"
)

// Kind maps an error code to its taxonomy kind.
func (c Code) Kind() Kind {
	switch c {
	case CodeEmailInvalid,
		CodeEmailInUse,
		CodeWeakPassword,
		CodeCredentialIDInUse,
		CodeCredentialNameInUse,
		CodeFeatureDisabled,
		CodePhoneNumberMissing:
		return KindValidation

	case CodePasswordMismatch,
		CodeCodeInvalid,
		CodeCodeExpired,
		CodeAccountInactive,
		CodeConfirmationRequired,
		CodeTokenInvalid:
		return KindAuthentication

	case CodeChallengeExpired,
		CodeCeremonyKindMismatch,
		CodeAttestationInvalid,
		CodeSignatureInvalid,
		CodeUnknownCredential,
		CodePossibleCloneDetected:
		return KindCeremony

	case CodeGenerationExhausted,
		CodeDeletionIncomplete:
		return KindConsistency

	case CodeNotFound,
		CodeDuplicate,
		CodeVersionConflict:
		return KindStorage

	default:
		return KindUnknown
	}
}
