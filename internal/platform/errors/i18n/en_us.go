package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeUnknown                       = "UNKNOWN"
	CodeNotFound                      = "NOT_FOUND"
	CodeChallengeInvalid              = "CHALLENGE_INVALID"
	CodeAttestationVerificationFailed = "ATTESTATION_VERIFICATION_FAILED"
	CodeAssertionVerificationFailed   = "ASSERTION_VERIFICATION_FAILED"
	CodeSignatureCounterRegression    = "SIGNATURE_COUNTER_REGRESSION"
	CodeCredentialRevoked             = "CREDENTIAL_REVOKED"
	CodeCredentialNameTooLong         = "CREDENTIAL_NAME_TOO_LONG"
	CodeLastPasskey                   = "LAST_PASSKEY"
	CodeMalformedToken                = "MALFORMED_TOKEN"
	CodeUnknownDevice                 = "UNKNOWN_DEVICE"
	CodeDeviceRevoked                 = "DEVICE_REVOKED"
	CodeBadSignature                  = "BAD_SIGNATURE"
	CodeTokenExpired                  = "TOKEN_EXPIRED"
	CodeTokenNotYetValid              = "TOKEN_NOT_YET_VALID"
	CodeAudienceMismatch              = "AUDIENCE_MISMATCH"
	CodeUnknownUser                   = "UNKNOWN_USER"
	CodeDeviceKeyInvalid              = "DEVICE_KEY_INVALID"
	CodeUnauthenticated               = "UNAUTHENTICATED"
	CodeForbidden                     = "FORBIDDEN"
	CodeUserInvalidRole               = "USER_INVALID_ROLE"
	CodeUserDisabled                  = "USER_DISABLED"
	CodeConfigurationError            = "CONFIGURATION_ERROR"
)

// enUSMessages holds the base message catalog.
var enUSMessages = map[Code]string{
	CodeUnknown:                       "Something went wrong. Please try again.",
	CodeNotFound:                      "The requested record was not found.",
	CodeChallengeInvalid:              "This sign-in challenge is no longer valid. Start the ceremony again.",
	CodeAttestationVerificationFailed: "The passkey registration could not be verified.",
	CodeAssertionVerificationFailed:   "The passkey sign-in could not be verified.",
	CodeSignatureCounterRegression:    "This passkey reported an unexpected signature counter and was rejected.",
	CodeCredentialRevoked:             "This passkey has been revoked.",
	CodeCredentialNameTooLong:         "Passkey names must be {{.max}} characters or fewer.",
	CodeLastPasskey:                   "You cannot revoke your last active passkey. Add another passkey first.",
	CodeMalformedToken:                "The access token is malformed.",
	CodeUnknownDevice:                 "This device is not registered.",
	CodeDeviceRevoked:                 "This device has been revoked.",
	CodeBadSignature:                  "The access token signature is invalid.",
	CodeTokenExpired:                  "The access token has expired.",
	CodeTokenNotYetValid:              "The access token is not valid yet.",
	CodeAudienceMismatch:              "The access token is not valid for this channel.",
	CodeUnknownUser:                   "The token subject does not match a known user.",
	CodeDeviceKeyInvalid:              "The device public key is not a valid P-256 key.",
	CodeUnauthenticated:               "Authentication is required.",
	CodeForbidden:                     "You do not have permission to perform this action.",
	CodeUserInvalidRole:               "Unknown role {{.role}}.",
	CodeUserDisabled:                  "This account has been disabled.",
	CodeConfigurationError:            "The service is misconfigured.",
}
