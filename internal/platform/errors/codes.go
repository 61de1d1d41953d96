package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument represents malformed or missing request input.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// User errors
	CodeUserInvalidEmail Code = "USER_INVALID_EMAIL"
	CodeUserEmptyName    Code = "USER_EMPTY_NAME"

	// Credential errors
	CodeEmailAlreadyRegistered Code = "EMAIL_ALREADY_REGISTERED"
	CodePasswordTooWeak        Code = "PASSWORD_TOO_WEAK"
	CodeInvalidCredentials     Code = "AUTH_INVALID_CREDENTIALS"
	CodePasswordAlreadySet     Code = "PASSWORD_ALREADY_SET"

	// Session errors
	CodeSessionInvalid     Code = "SESSION_INVALID"
	CodeSessionPendingOnly Code = "SESSION_PENDING_ONLY"
	CodeForbidden          Code = "FORBIDDEN"

	// Verification token errors
	CodeTokenInvalidOrExpired Code = "TOKEN_INVALID_OR_EXPIRED"

	// Second factor errors
	CodeTwoFactorInvalidCode    Code = "TWO_FACTOR_INVALID_CODE"
	CodeTwoFactorInvalidState   Code = "TWO_FACTOR_INVALID_STATE"
	CodeBackupCodeInvalidOrUsed Code = "BACKUP_CODE_INVALID_OR_USED"

	// Passkey errors
	CodePasskeyChallengeExpired   Code = "PASSKEY_CHALLENGE_EXPIRED"
	CodePasskeyAttestationInvalid Code = "PASSKEY_ATTESTATION_INVALID"
	CodePasskeyCloneSuspected     Code = "PASSKEY_CLONE_SUSPECTED"
	CodePasskeyLastCredential     Code = "PASSKEY_LAST_CREDENTIAL"

	// Account linking errors
	CodeAccountAlreadyLinked Code = "ACCOUNT_ALREADY_LINKED"
	CodeLastAuthMethod       Code = "LAST_AUTH_METHOD"
	CodeProviderUnknown      Code = "PROVIDER_UNKNOWN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Throttling errors
	CodeRateLimited Code = "RATE_LIMITED"
)

// HTTPStatus maps domain codes to HTTP response statuses.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeInvalidArgument,
		CodeUserInvalidEmail,
		CodeUserEmptyName,
		CodeTokenInvalidOrExpired,
		CodePasskeyChallengeExpired,
		CodePasskeyAttestationInvalid:
		return http.StatusBadRequest

	// Unauthorized - failed or missing authentication
	case CodeInvalidCredentials,
		CodeSessionInvalid,
		CodeTwoFactorInvalidCode,
		CodeBackupCodeInvalidOrUsed,
		CodePasskeyCloneSuspected:
		return http.StatusUnauthorized

	// Forbidden - authenticated but not allowed
	case CodeForbidden,
		CodeSessionPendingOnly:
		return http.StatusForbidden

	// Not found
	case CodeNotFound,
		CodeProviderUnknown:
		return http.StatusNotFound

	// Conflict - state disallows the operation
	case CodeEmailAlreadyRegistered,
		CodeAccountAlreadyLinked,
		CodeLastAuthMethod,
		CodePasskeyLastCredential,
		CodeTwoFactorInvalidState,
		CodePasswordAlreadySet:
		return http.StatusConflict

	// Unprocessable - well-formed but unacceptable input
	case CodePasswordTooWeak:
		return http.StatusUnprocessableEntity

	case CodeRateLimited:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}
