// Package errors provides structured error handling with i18n support.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotFound represents a missing record.
	CodeNotFound Code = "NOT_FOUND"

	// Challenge errors. Not-found, expired, and already-consumed are a
	// single code so challenge probing cannot distinguish them.
	CodeChallengeInvalid Code = "CHALLENGE_INVALID"

	// Ceremony errors
	CodeAttestationVerificationFailed Code = "ATTESTATION_VERIFICATION_FAILED"
	CodeAssertionVerificationFailed   Code = "ASSERTION_VERIFICATION_FAILED"
	CodeSignatureCounterRegression    Code = "SIGNATURE_COUNTER_REGRESSION"
	CodeCredentialRevoked             Code = "CREDENTIAL_REVOKED"
	CodeCredentialNameTooLong         Code = "CREDENTIAL_NAME_TOO_LONG"
	CodeLastPasskey                   Code = "LAST_PASSKEY"

	// Device token errors
	CodeMalformedToken    Code = "MALFORMED_TOKEN"
	CodeUnknownDevice     Code = "UNKNOWN_DEVICE"
	CodeDeviceRevoked     Code = "DEVICE_REVOKED"
	CodeBadSignature      Code = "BAD_SIGNATURE"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeTokenNotYetValid  Code = "TOKEN_NOT_YET_VALID"
	CodeAudienceMismatch  Code = "AUDIENCE_MISMATCH"
	CodeUnknownUser       Code = "UNKNOWN_USER"
	CodeDeviceKeyInvalid  Code = "DEVICE_KEY_INVALID"

	// Authorization errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUserInvalidRole Code = "USER_INVALID_ROLE"
	CodeUserDisabled    Code = "USER_DISABLED"

	// CodeConfigurationError is fatal at startup in strict mode.
	CodeConfigurationError Code = "CONFIGURATION_ERROR"
)

// HTTPStatus maps a domain code to its HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeChallengeInvalid,
		CodeAttestationVerificationFailed,
		CodeAssertionVerificationFailed,
		CodeCredentialRevoked,
		CodeCredentialNameTooLong,
		CodeDeviceKeyInvalid,
		CodeUserInvalidRole:
		return http.StatusBadRequest
	case CodeSignatureCounterRegression,
		CodeMalformedToken,
		CodeUnknownDevice,
		CodeDeviceRevoked,
		CodeBadSignature,
		CodeTokenExpired,
		CodeTokenNotYetValid,
		CodeAudienceMismatch,
		CodeUnknownUser,
		CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeUserDisabled:
		return http.StatusForbidden
	case CodeLastPasskey:
		return http.StatusConflict
	case CodeConfigurationError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
