package storage

import (
	"context"
	"time"

	"github.com/keyloom/keyloom/internal/auth/user"
	"github.com/keyloom/keyloom/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrDuplicate indicates an insert hit a unique constraint.
var ErrDuplicate = errors.New(errors.CodeCredentialDuplicate, "record already exists")

// ErrCounterRegression indicates a conditional counter advance found no
// strictly greater value to write.
var ErrCounterRegression = errors.New(errors.CodeCounterRollback, "credential counter did not advance")

// UserStore persists identity records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	DeleteUser(ctx context.Context, userID string) error
}

// ChallengeKind describes the ceremony a challenge was issued for.
type ChallengeKind string

const (
	ChallengeKindRegistration   ChallengeKind = "registration"
	ChallengeKindAuthentication ChallengeKind = "authentication"
)

// Credential stores one registered authenticator for a user.
type Credential struct {
	CredentialID string
	UserID       string
	PublicKey    string
	Counter      uint32
	Transports   []string
	FlagsJSON    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// Challenge stores one issued ceremony challenge.
//
// Value is the random challenge echoed back inside the signed client data;
// it doubles as the lookup key. SessionJSON carries the serialized ceremony
// session the verifier needs to finish the exchange.
type Challenge struct {
	Value       string
	UserID      string
	Kind        ChallengeKind
	SessionJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
}

// CredentialStore persists registered authenticator credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)
	// AdvanceCredentialCounter applies the anti-replay counter guard as a
	// single conditional write: a stored counter of zero accepts any value,
	// a non-zero stored counter only values strictly greater. It stamps
	// LastUsedAt on success and returns ErrCounterRegression otherwise.
	AdvanceCredentialCounter(ctx context.Context, credentialID string, counter uint32, lastUsed time.Time) error
	DeleteCredential(ctx context.Context, credentialID string) error
}

// ChallengeStore persists short-lived single-use ceremony challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, challenge Challenge) error
	// GetValidChallenge returns the challenge only while it is consumable:
	// unused, unexpired, matching kind, and matching user when userID is
	// non-empty. Every miss collapses into ErrNotFound.
	GetValidChallenge(ctx context.Context, value string, kind ChallengeKind, userID string, now time.Time) (Challenge, error)
	// MarkChallengeUsed flips used to true at most once; calling it on a
	// consumed or missing challenge is a no-op.
	MarkChallengeUsed(ctx context.Context, value string) error
	// DeleteExpiredChallenges removes every challenge past its expiry,
	// consumed or not.
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}
