package passkey

import (
	apperrors "github.com/keyloom/keyloom/internal/platform/errors"
)

// Ceremony failures. All of them are terminal: the client restarts from a
// fresh Begin call; nothing is retried inside this package.
var (
	// ErrChallengeInvalid indicates the response's challenge was missing,
	// expired, consumed, or bound to a different user. The causes are
	// deliberately indistinguishable.
	ErrChallengeInvalid = apperrors.New(apperrors.CodeChallengeInvalid, "challenge is invalid or expired")

	// ErrCredentialNotFound indicates the response referenced an unknown
	// credential.
	ErrCredentialNotFound = apperrors.New(apperrors.CodeCredentialNotFound, "credential not found")

	// ErrCounterRollback indicates the reported signature counter did not
	// advance past the stored value, a likely sign of a cloned
	// authenticator replaying a captured assertion.
	ErrCounterRollback = apperrors.New(apperrors.CodeCounterRollback, "credential counter rollback detected")

	// ErrVerificationFailed indicates the cryptographic verification of the
	// response rejected it.
	ErrVerificationFailed = apperrors.New(apperrors.CodeVerificationFailed, "credential verification failed")

	// ErrDuplicateCredential indicates an authenticator was already
	// registered.
	ErrDuplicateCredential = apperrors.New(apperrors.CodeCredentialDuplicate, "credential is already registered")
)

// storeErr tags persistence failures so callers can distinguish an
// unavailable store from a rejected ceremony.
func storeErr(message string, cause error) error {
	return apperrors.Wrap(apperrors.CodeStoreUnavailable, message, cause)
}
