// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors
	CodeChallengeInvalid Code = "CHALLENGE_INVALID_OR_EXPIRED"

	// Credential errors
	CodeCredentialNotFound  Code = "CREDENTIAL_NOT_FOUND"
	CodeCredentialDuplicate Code = "CREDENTIAL_DUPLICATE"
	CodeCounterRollback     Code = "COUNTER_ROLLBACK"
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"

	// User errors
	CodeUserNotFound Code = "USER_NOT_FOUND"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// HTTPStatus maps the code to the HTTP status the REST edge responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeChallengeInvalid:
		return http.StatusBadRequest
	case CodeVerificationFailed, CodeCounterRollback:
		return http.StatusUnauthorized
	case CodeNotFound, CodeUserNotFound, CodeCredentialNotFound:
		return http.StatusNotFound
	case CodeCredentialDuplicate:
		return http.StatusConflict
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
