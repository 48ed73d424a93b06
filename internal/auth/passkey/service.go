package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/keyloom/keyloom/internal/auth/storage"
	apperrors "github.com/keyloom/keyloom/internal/platform/errors"
	"go.uber.org/zap"
)

// provider is the slice of the go-webauthn API the orchestrators consume.
// *webauthn.WebAuthn satisfies it; tests substitute a fake.
type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// RegistrationResult reports a finished registration ceremony.
type RegistrationResult struct {
	UserID       string
	CredentialID string
}

// LoginResult reports a finished authentication ceremony. UserID is the
// authenticated principal; establishing a session from it is the caller's
// concern.
type LoginResult struct {
	UserID       string
	CredentialID string
}

// Service orchestrates passkey registration and authentication.
//
// It holds no per-ceremony state: correlation between Begin and Finish
// happens entirely through the persisted challenge.
type Service struct {
	users       storage.UserStore
	credentials storage.CredentialStore
	challenges  storage.ChallengeStore
	config      Config
	webAuthn    provider
	initErr     error
	parser      parser
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService builds a ceremony orchestrator over the given stores.
func NewService(users storage.UserStore, credentials storage.CredentialStore, challenges storage.ChallengeStore, config Config, logger *zap.Logger) *Service {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: config.RPDisplayName,
		RPID:          config.RPID,
		RPOrigins:     config.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: config.ChallengeTTL, TimeoutUVD: config.ChallengeTTL},
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: config.ChallengeTTL, TimeoutUVD: config.ChallengeTTL},
		},
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:       users,
		credentials: credentials,
		challenges:  challenges,
		config:      config,
		webAuthn:    webAuthn,
		initErr:     err,
		parser:      defaultParser{},
		clock:       time.Now,
		logger:      logger,
	}
}

func (s *Service) ready() error {
	if s.users == nil || s.credentials == nil || s.challenges == nil {
		return fmt.Errorf("passkey stores are not configured")
	}
	if s.initErr != nil || s.webAuthn == nil {
		return fmt.Errorf("passkey configuration is not available: %w", s.initErr)
	}
	return nil
}

// BeginRegistration issues creation options and a registration challenge
// bound to the user. Existing credentials populate the exclusion list so an
// authenticator cannot be registered twice.
func (s *Service) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ceremony, err := s.loadCeremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(ceremony.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(ceremony.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.webAuthn.BeginRegistration(ceremony, options...)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	if err := s.issueChallenge(ctx, storage.ChallengeKindRegistration, userID, session); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration verifies a registration response against its issued
// challenge and persists the new credential.
//
// Order matters: the challenge is not marked used until the credential
// write has succeeded, so a crash in between leaves it valid for a
// client-side retry instead of losing the registration.
func (s *Service) FinishRegistration(ctx context.Context, userID string, responseJSON []byte) (RegistrationResult, error) {
	if err := s.ready(); err != nil {
		return RegistrationResult{}, err
	}
	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse registration response", err)
	}

	challenge, err := s.fetchChallenge(ctx, parsed.Response.CollectedClientData.Challenge, storage.ChallengeKindRegistration, userID)
	if err != nil {
		return RegistrationResult{}, err
	}
	session, err := decodeSession(challenge.SessionJSON)
	if err != nil {
		return RegistrationResult{}, err
	}

	ceremony, err := s.loadCeremonyUser(ctx, challenge.UserID)
	if err != nil {
		return RegistrationResult{}, err
	}

	credential, err := s.webAuthn.CreateCredential(ceremony, session, parsed)
	if err != nil {
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify registration response", err)
	}

	record, err := toStoredCredential(ceremony.user.ID, *credential, s.clock().UTC())
	if err != nil {
		return RegistrationResult{}, err
	}
	if err := s.credentials.CreateCredential(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return RegistrationResult{}, ErrDuplicateCredential
		}
		return RegistrationResult{}, storeErr("store credential", err)
	}
	if err := s.challenges.MarkChallengeUsed(ctx, challenge.Value); err != nil {
		return RegistrationResult{}, storeErr("consume challenge", err)
	}

	return RegistrationResult{UserID: ceremony.user.ID, CredentialID: record.CredentialID}, nil
}

// BeginLogin issues assertion options and an authentication challenge.
//
// With a user id the options carry an allow-list of that user's
// credentials. Without one the flow is discoverable: the challenge is
// issued unbound and the authenticator picks the credential.
func (s *Service) BeginLogin(ctx context.Context, userID string) (*protocol.CredentialAssertion, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
	)
	if userID == "" {
		var err error
		assertion, session, err = s.webAuthn.BeginDiscoverableLogin()
		if err != nil {
			return nil, fmt.Errorf("begin discoverable login: %w", err)
		}
	} else {
		ceremony, err := s.loadCeremonyUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(ceremony.credentials) == 0 {
			return nil, ErrCredentialNotFound
		}
		assertion, session, err = s.webAuthn.BeginLogin(ceremony)
		if err != nil {
			return nil, fmt.Errorf("begin login: %w", err)
		}
	}

	if err := s.issueChallenge(ctx, storage.ChallengeKindAuthentication, userID, session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishLogin verifies an assertion against its issued challenge, applies
// the counter anti-replay guard, and reports the authenticated user.
func (s *Service) FinishLogin(ctx context.Context, userID string, responseJSON []byte) (LoginResult, error) {
	if err := s.ready(); err != nil {
		return LoginResult{}, err
	}
	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse login response", err)
	}

	challenge, err := s.fetchChallenge(ctx, parsed.Response.CollectedClientData.Challenge, storage.ChallengeKindAuthentication, userID)
	if err != nil {
		return LoginResult{}, err
	}
	session, err := decodeSession(challenge.SessionJSON)
	if err != nil {
		return LoginResult{}, err
	}

	// The credential store is keyed by the identifier, so the discoverable
	// path resolves in one lookup even though no user was pinned at issue
	// time.
	credentialID := encodeCredentialID(parsed.RawID)
	record, err := s.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return LoginResult{}, ErrCredentialNotFound
		}
		return LoginResult{}, storeErr("load credential", err)
	}
	if challenge.UserID != "" && record.UserID != challenge.UserID {
		return LoginResult{}, ErrCredentialNotFound
	}

	owner, err := s.loadCeremonyUser(ctx, record.UserID)
	if err != nil {
		return LoginResult{}, err
	}

	var validated *webauthn.Credential
	if challenge.UserID == "" {
		handler := func([]byte, []byte) (webauthn.User, error) {
			return owner, nil
		}
		_, validated, err = s.webAuthn.ValidatePasskeyLogin(handler, session, parsed)
	} else {
		validated, err = s.webAuthn.ValidateLogin(owner, session, parsed)
	}
	if err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify login response", err)
	}

	if err := s.guardCounter(ctx, record, validated, parsed.Response.AuthenticatorData.Counter); err != nil {
		return LoginResult{}, err
	}
	if err := s.challenges.MarkChallengeUsed(ctx, challenge.Value); err != nil {
		return LoginResult{}, storeErr("consume challenge", err)
	}

	return LoginResult{UserID: record.UserID, CredentialID: credentialID}, nil
}

// guardCounter enforces the monotonic signature counter.
//
// A stored counter of zero accepts anything: authenticators that never
// implement counters keep reporting zero and would otherwise brick after
// first use. Past zero the counter must strictly increase; the conditional
// store update makes the comparison and write one atomic step, so two
// concurrent logins cannot both win on a stale read.
//
// reported is the counter from the assertion's authenticator data. On a
// clone warning the library keeps SignCount at the stored value, so only
// the raw response carries what the authenticator actually claimed.
func (s *Service) guardCounter(ctx context.Context, record storage.Credential, validated *webauthn.Credential, reported uint32) error {
	if validated.Authenticator.CloneWarning {
		s.logSecurityEvent(record, reported)
		return ErrCounterRollback
	}
	err := s.credentials.AdvanceCredentialCounter(ctx, record.CredentialID, validated.Authenticator.SignCount, s.clock().UTC())
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrCounterRegression) {
		s.logSecurityEvent(record, reported)
		return ErrCounterRollback
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCredentialNotFound
	}
	return storeErr("advance credential counter", err)
}

// logSecurityEvent emits counter rollbacks on a dedicated key so anomaly
// monitoring can alert on likely credential cloning.
func (s *Service) logSecurityEvent(record storage.Credential, reported uint32) {
	s.logger.Warn("credential counter rollback rejected",
		zap.String("security_event", "counter_rollback"),
		zap.String("credential_id", record.CredentialID),
		zap.String("user_id", record.UserID),
		zap.Uint32("stored_counter", record.Counter),
		zap.Uint32("reported_counter", reported),
	)
}

// ListPasskeys returns a user's registered credentials.
func (s *Service) ListPasskeys(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	credentials, err := s.credentials.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list credentials", err)
	}
	return credentials, nil
}

// DeletePasskey removes a credential. Missing credentials are a no-op.
func (s *Service) DeletePasskey(ctx context.Context, credentialID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.credentials.DeleteCredential(ctx, credentialID); err != nil {
		return storeErr("delete credential", err)
	}
	return nil
}

// CleanupExpiredChallenges removes every challenge past its expiry. The
// same sweep runs opportunistically on each issue path; this entry point
// exists for scheduled maintenance.
func (s *Service) CleanupExpiredChallenges(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.challenges.DeleteExpiredChallenges(ctx, s.clock().UTC()); err != nil {
		return storeErr("delete expired challenges", err)
	}
	return nil
}

// issueChallenge sweeps expired challenges and persists a fresh one keyed
// by the session's challenge value.
func (s *Service) issueChallenge(ctx context.Context, kind storage.ChallengeKind, userID string, session *webauthn.SessionData) error {
	if session == nil {
		return fmt.Errorf("session data is required")
	}
	now := s.clock().UTC()
	if err := s.challenges.DeleteExpiredChallenges(ctx, now); err != nil {
		return storeErr("delete expired challenges", err)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = s.challenges.PutChallenge(ctx, storage.Challenge{
		Value:       session.Challenge,
		UserID:      userID,
		Kind:        kind,
		SessionJSON: string(payload),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.ChallengeTTL),
	})
	if err != nil {
		return storeErr("store challenge", err)
	}
	return nil
}

// fetchChallenge resolves a consumable challenge or reports the single
// indistinct failure the caller is allowed to see.
func (s *Service) fetchChallenge(ctx context.Context, value string, kind storage.ChallengeKind, userID string) (storage.Challenge, error) {
	challenge, err := s.challenges.GetValidChallenge(ctx, value, kind, userID, s.clock().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Challenge{}, ErrChallengeInvalid
		}
		return storage.Challenge{}, storeErr("load challenge", err)
	}
	return challenge, nil
}

func decodeSession(sessionJSON string) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

// loadCeremonyUser reads a user and their credentials into the library's
// user shape.
func (s *Service) loadCeremonyUser(ctx context.Context, userID string) (*ceremonyUser, error) {
	baseUser, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeUserNotFound, "user not found")
		}
		return nil, storeErr("load user", err)
	}
	records, err := s.credentials.ListCredentialsByUser(ctx, baseUser.ID)
	if err != nil {
		return nil, storeErr("list credentials", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		credential, err := toLibraryCredential(record)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	return &ceremonyUser{user: baseUser, credentials: credentials}, nil
}
