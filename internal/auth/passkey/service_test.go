package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/keyloom/keyloom/internal/auth/storage"
	"github.com/keyloom/keyloom/internal/auth/user"
	apperrors "github.com/keyloom/keyloom/internal/platform/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeUserStore struct {
	users map[string]user.User
}

func newFakeUserStore(users ...user.User) *fakeUserStore {
	store := &fakeUserStore{users: make(map[string]user.User)}
	for _, u := range users {
		store.users[u.ID] = u
	}
	return store
}

func (s *fakeUserStore) PutUser(_ context.Context, u user.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *fakeUserStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeUserStore) DeleteUser(_ context.Context, userID string) error {
	delete(s.users, userID)
	return nil
}

type fakeCredentialStore struct {
	credentials map[string]storage.Credential
	createErr   error
	advanceErr  error
	advanced    []uint32
}

func newFakeCredentialStore(credentials ...storage.Credential) *fakeCredentialStore {
	store := &fakeCredentialStore{credentials: make(map[string]storage.Credential)}
	for _, credential := range credentials {
		store.credentials[credential.CredentialID] = credential
	}
	return store
}

func (s *fakeCredentialStore) CreateCredential(_ context.Context, credential storage.Credential) error {
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.credentials[credential.CredentialID]; ok {
		return storage.ErrDuplicate
	}
	s.credentials[credential.CredentialID] = credential
	return nil
}

func (s *fakeCredentialStore) GetCredential(_ context.Context, credentialID string) (storage.Credential, error) {
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (s *fakeCredentialStore) ListCredentialsByUser(_ context.Context, userID string) ([]storage.Credential, error) {
	var credentials []storage.Credential
	for _, credential := range s.credentials {
		if credential.UserID == userID {
			credentials = append(credentials, credential)
		}
	}
	return credentials, nil
}

func (s *fakeCredentialStore) AdvanceCredentialCounter(_ context.Context, credentialID string, counter uint32, lastUsed time.Time) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if credential.Counter != 0 && counter <= credential.Counter {
		return storage.ErrCounterRegression
	}
	credential.Counter = counter
	credential.LastUsedAt = &lastUsed
	s.credentials[credentialID] = credential
	s.advanced = append(s.advanced, counter)
	return nil
}

func (s *fakeCredentialStore) DeleteCredential(_ context.Context, credentialID string) error {
	delete(s.credentials, credentialID)
	return nil
}

type fakeChallengeStore struct {
	challenges map[string]storage.Challenge
	sweeps     int
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{challenges: make(map[string]storage.Challenge)}
}

func (s *fakeChallengeStore) PutChallenge(_ context.Context, challenge storage.Challenge) error {
	s.challenges[challenge.Value] = challenge
	return nil
}

func (s *fakeChallengeStore) GetValidChallenge(_ context.Context, value string, kind storage.ChallengeKind, userID string, now time.Time) (storage.Challenge, error) {
	challenge, ok := s.challenges[value]
	if !ok || challenge.Used || !challenge.ExpiresAt.After(now) || challenge.Kind != kind {
		return storage.Challenge{}, storage.ErrNotFound
	}
	if userID != "" && challenge.UserID != userID {
		return storage.Challenge{}, storage.ErrNotFound
	}
	return challenge, nil
}

func (s *fakeChallengeStore) MarkChallengeUsed(_ context.Context, value string) error {
	challenge, ok := s.challenges[value]
	if !ok || challenge.Used {
		return nil
	}
	challenge.Used = true
	s.challenges[value] = challenge
	return nil
}

func (s *fakeChallengeStore) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	s.sweeps++
	for value, challenge := range s.challenges {
		if challenge.ExpiresAt.Before(now) {
			delete(s.challenges, value)
		}
	}
	return nil
}

type fakeProvider struct {
	creation       *protocol.CredentialCreation
	assertion      *protocol.CredentialAssertion
	session        *webauthn.SessionData
	credential     *webauthn.Credential
	createErr      error
	validateErr    error
	validatedUsers []webauthn.User
}

func (f *fakeProvider) BeginRegistration(_ webauthn.User, _ ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return f.creation, f.session, nil
}

func (f *fakeProvider) CreateCredential(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.credential, nil
}

func (f *fakeProvider) BeginLogin(_ webauthn.User, _ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return f.assertion, f.session, nil
}

func (f *fakeProvider) BeginDiscoverableLogin(_ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return f.assertion, f.session, nil
}

func (f *fakeProvider) ValidateLogin(u webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	f.validatedUsers = append(f.validatedUsers, u)
	return f.credential, nil
}

func (f *fakeProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, _ webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, nil, f.validateErr
	}
	resolved, err := handler(response.RawID, response.Response.UserHandle)
	if err != nil {
		return nil, nil, err
	}
	f.validatedUsers = append(f.validatedUsers, resolved)
	return resolved, f.credential, nil
}

type fakeParser struct {
	creation  *protocol.ParsedCredentialCreationData
	assertion *protocol.ParsedCredentialAssertionData
	err       error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes(_ []byte) (*protocol.ParsedCredentialCreationData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.creation, nil
}

func (f *fakeParser) ParseCredentialRequestResponseBytes(_ []byte) (*protocol.ParsedCredentialAssertionData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.assertion, nil
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type serviceFixture struct {
	service     *Service
	users       *fakeUserStore
	credentials *fakeCredentialStore
	challenges  *fakeChallengeStore
	provider    *fakeProvider
	now         time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	fixture := &serviceFixture{
		users:       newFakeUserStore(user.User{ID: "u1", Email: "u1@example.com", DisplayName: "User One"}),
		credentials: newFakeCredentialStore(),
		challenges:  newFakeChallengeStore(),
		provider:    &fakeProvider{},
		now:         testStart,
	}
	config := Config{
		RPDisplayName: "Keyloom Test",
		RPID:          "example.com",
		RPOrigins:     []string{"https://example.com"},
		ChallengeTTL:  60 * time.Second,
	}
	fixture.service = NewService(fixture.users, fixture.credentials, fixture.challenges, config, nil)
	fixture.service.webAuthn = fixture.provider
	fixture.service.clock = func() time.Time { return fixture.now }
	return fixture
}

func creationResponse(challenge string) *protocol.ParsedCredentialCreationData {
	parsed := &protocol.ParsedCredentialCreationData{}
	parsed.Response.CollectedClientData.Challenge = challenge
	return parsed
}

func assertionResponse(challenge string, rawID []byte) *protocol.ParsedCredentialAssertionData {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.Response.CollectedClientData.Challenge = challenge
	parsed.RawID = rawID
	return parsed
}

func encodedID(raw string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func TestBeginRegistrationIssuesBoundChallenge(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.creation = &protocol.CredentialCreation{}
	fixture.provider.session = &webauthn.SessionData{Challenge: "chal-reg", UserID: []byte("u1")}

	creation, err := fixture.service.BeginRegistration(context.Background(), "u1")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if creation == nil {
		t.Fatal("expected creation options")
	}

	stored, ok := fixture.challenges.challenges["chal-reg"]
	if !ok {
		t.Fatal("expected challenge persisted under its value")
	}
	if stored.UserID != "u1" {
		t.Fatalf("expected challenge bound to u1, got %q", stored.UserID)
	}
	if stored.Kind != storage.ChallengeKindRegistration {
		t.Fatalf("expected registration kind, got %q", stored.Kind)
	}
	if !stored.ExpiresAt.Equal(testStart.Add(60 * time.Second)) {
		t.Fatalf("expected 60s TTL, got expiry %v", stored.ExpiresAt)
	}
	if fixture.challenges.sweeps != 1 {
		t.Fatalf("expected one opportunistic sweep on issue, got %d", fixture.challenges.sweeps)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		t.Fatalf("decode stored session: %v", err)
	}
	if session.Challenge != "chal-reg" {
		t.Fatalf("expected session challenge round-trip, got %q", session.Challenge)
	}
}

func TestBeginRegistrationUnknownUser(t *testing.T) {
	fixture := newServiceFixture(t)
	_, err := fixture.service.BeginRegistration(context.Background(), "ghost")
	if apperrors.GetCode(err) != apperrors.CodeUserNotFound {
		t.Fatalf("expected CodeUserNotFound, got %v", err)
	}
}

func seedChallenge(fixture *serviceFixture, value, userID string, kind storage.ChallengeKind) {
	session := webauthn.SessionData{Challenge: value}
	if userID != "" {
		session.UserID = []byte(userID)
	}
	payload, _ := json.Marshal(session)
	fixture.challenges.challenges[value] = storage.Challenge{
		Value:       value,
		UserID:      userID,
		Kind:        kind,
		SessionJSON: string(payload),
		CreatedAt:   fixture.now,
		ExpiresAt:   fixture.now.Add(60 * time.Second),
	}
}

func TestFinishRegistrationStoresCredentialThenConsumesChallenge(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-reg", "u1", storage.ChallengeKindRegistration)
	fixture.provider.credential = &webauthn.Credential{
		ID:            []byte("raw-cred"),
		PublicKey:     []byte("pk-material"),
		Transport:     []protocol.AuthenticatorTransport{protocol.Internal},
		Authenticator: webauthn.Authenticator{SignCount: 0},
	}
	fixture.service.parser = &fakeParser{creation: creationResponse("chal-reg")}

	result, err := fixture.service.FinishRegistration(context.Background(), "u1", []byte(`{}`))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if result.CredentialID != encodedID("raw-cred") {
		t.Fatalf("unexpected credential id %q", result.CredentialID)
	}
	if result.UserID != "u1" {
		t.Fatalf("unexpected user id %q", result.UserID)
	}

	stored, ok := fixture.credentials.credentials[encodedID("raw-cred")]
	if !ok {
		t.Fatal("expected credential persisted")
	}
	if stored.UserID != "u1" {
		t.Fatalf("expected credential owned by u1, got %q", stored.UserID)
	}
	if len(stored.Transports) != 1 || stored.Transports[0] != "internal" {
		t.Fatalf("expected transports preserved, got %v", stored.Transports)
	}
	if !fixture.challenges.challenges["chal-reg"].Used {
		t.Fatal("expected challenge consumed after credential write")
	}
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-reg", "u1", storage.ChallengeKindRegistration)
	fixture.service.parser = &fakeParser{creation: creationResponse("chal-reg")}

	fixture.now = testStart.Add(2 * time.Minute)
	_, err := fixture.service.FinishRegistration(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid after expiry, got %v", err)
	}
}

func TestFinishRegistrationWrongUser(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.users.users["u2"] = user.User{ID: "u2", Email: "u2@example.com"}
	seedChallenge(fixture, "chal-reg", "u1", storage.ChallengeKindRegistration)
	fixture.service.parser = &fakeParser{creation: creationResponse("chal-reg")}

	_, err := fixture.service.FinishRegistration(context.Background(), "u2", []byte(`{}`))
	if !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid for mismatched user, got %v", err)
	}
}

func TestFinishRegistrationVerificationFailureLeavesChallengeValid(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-reg", "u1", storage.ChallengeKindRegistration)
	fixture.provider.createErr = errors.New("attestation rejected")
	fixture.service.parser = &fakeParser{creation: creationResponse("chal-reg")}

	_, err := fixture.service.FinishRegistration(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if fixture.challenges.challenges["chal-reg"].Used {
		t.Fatal("expected failed verification to leave the challenge unconsumed")
	}
	if len(fixture.credentials.credentials) != 0 {
		t.Fatal("expected no credential stored")
	}
}

func TestFinishRegistrationDuplicateCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-reg", "u1", storage.ChallengeKindRegistration)
	original := storage.Credential{
		CredentialID: encodedID("raw-cred"),
		UserID:       "u1",
		PublicKey:    base64.StdEncoding.EncodeToString([]byte("original")),
	}
	fixture.credentials.credentials[original.CredentialID] = original
	fixture.provider.credential = &webauthn.Credential{ID: []byte("raw-cred"), PublicKey: []byte("pk")}
	fixture.service.parser = &fakeParser{creation: creationResponse("chal-reg")}

	_, err := fixture.service.FinishRegistration(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}
	if fixture.credentials.credentials[original.CredentialID].PublicKey != original.PublicKey {
		t.Fatal("expected the first registration untouched")
	}
	if fixture.challenges.challenges["chal-reg"].Used {
		t.Fatal("expected challenge unconsumed after duplicate rejection")
	}
}

func TestBeginLoginTargetedRequiresCredentials(t *testing.T) {
	fixture := newServiceFixture(t)
	_, err := fixture.service.BeginLogin(context.Background(), "u1")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound for a user without passkeys, got %v", err)
	}
}

func TestBeginLoginDiscoverableIssuesUnboundChallenge(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.assertion = &protocol.CredentialAssertion{}
	fixture.provider.session = &webauthn.SessionData{Challenge: "chal-auth"}

	if _, err := fixture.service.BeginLogin(context.Background(), ""); err != nil {
		t.Fatalf("begin discoverable login: %v", err)
	}
	stored, ok := fixture.challenges.challenges["chal-auth"]
	if !ok {
		t.Fatal("expected challenge persisted")
	}
	if stored.UserID != "" {
		t.Fatalf("expected unbound challenge, got user %q", stored.UserID)
	}
	if stored.Kind != storage.ChallengeKindAuthentication {
		t.Fatalf("expected authentication kind, got %q", stored.Kind)
	}
}

func seedStoredCredential(fixture *serviceFixture, raw, userID string, counter uint32) storage.Credential {
	credential := storage.Credential{
		CredentialID: encodedID(raw),
		UserID:       userID,
		PublicKey:    base64.StdEncoding.EncodeToString([]byte("pk-material")),
		Counter:      counter,
		CreatedAt:    testStart,
		UpdatedAt:    testStart,
	}
	fixture.credentials.credentials[credential.CredentialID] = credential
	return credential
}

func TestFinishLoginTargetedAdvancesCounter(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u1", 5)
	fixture.provider.credential = &webauthn.Credential{
		ID:            []byte("raw-cred"),
		PublicKey:     []byte("pk-material"),
		Authenticator: webauthn.Authenticator{SignCount: 6},
	}
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	result, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if err != nil {
		t.Fatalf("finish login: %v", err)
	}
	if result.UserID != "u1" {
		t.Fatalf("expected authenticated principal u1, got %q", result.UserID)
	}

	stored := fixture.credentials.credentials[encodedID("raw-cred")]
	if stored.Counter != 6 {
		t.Fatalf("expected counter advanced to 6, got %d", stored.Counter)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("expected last used stamped")
	}
	if !fixture.challenges.challenges["chal-auth"].Used {
		t.Fatal("expected challenge consumed after counter advance")
	}
}

func TestFinishLoginCounterRollback(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u1", 5)
	fixture.provider.credential = &webauthn.Credential{
		ID:            []byte("raw-cred"),
		PublicKey:     []byte("pk-material"),
		Authenticator: webauthn.Authenticator{SignCount: 5},
	}
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	_, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrCounterRollback) {
		t.Fatalf("expected ErrCounterRollback for equal counter, got %v", err)
	}
	if fixture.challenges.challenges["chal-auth"].Used {
		t.Fatal("expected challenge unconsumed after rollback rejection")
	}
}

func TestFinishLoginVerificationFailureLeavesChallengeValid(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u1", 5)
	fixture.provider.validateErr = errors.New("signature mismatch")
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	_, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if fixture.challenges.challenges["chal-auth"].Used {
		t.Fatal("expected failed verification to leave the challenge unconsumed")
	}
	if len(fixture.credentials.advanced) != 0 {
		t.Fatal("expected no counter advance after failed verification")
	}
}

func TestFinishLoginCloneWarning(t *testing.T) {
	fixture := newServiceFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	fixture.service.logger = zap.New(core)
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u1", 5)
	// The library leaves SignCount at the stored value when it flags a
	// clone; the authenticator's claim only survives in the parsed
	// response.
	fixture.provider.credential = &webauthn.Credential{
		ID:            []byte("raw-cred"),
		PublicKey:     []byte("pk-material"),
		Authenticator: webauthn.Authenticator{SignCount: 5, CloneWarning: true},
	}
	parsed := assertionResponse("chal-auth", []byte("raw-cred"))
	parsed.Response.AuthenticatorData.Counter = 3
	fixture.service.parser = &fakeParser{assertion: parsed}

	_, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrCounterRollback) {
		t.Fatalf("expected ErrCounterRollback on clone warning, got %v", err)
	}
	if len(fixture.credentials.advanced) != 0 {
		t.Fatal("expected no counter advance after clone warning")
	}
	if logs.FilterField(zap.String("security_event", "counter_rollback")).Len() != 1 {
		t.Fatal("expected one counter rollback security event")
	}
	if logs.FilterField(zap.Uint32("reported_counter", 3)).Len() != 1 {
		t.Fatal("expected the authenticator's reported counter in the security event")
	}
}

func TestFinishLoginUnknownCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	_, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestFinishLoginCredentialOwnedByOtherUser(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.users.users["u2"] = user.User{ID: "u2", Email: "u2@example.com"}
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u2", 0)
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	_, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound for another user's credential, got %v", err)
	}
}

func TestFinishLoginDiscoverableResolvesOwner(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.users.users["u2"] = user.User{ID: "u2", Email: "u2@example.com", DisplayName: "User Two"}
	seedChallenge(fixture, "chal-auth", "", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u2", 0)
	fixture.provider.credential = &webauthn.Credential{
		ID:            []byte("raw-cred"),
		PublicKey:     []byte("pk-material"),
		Authenticator: webauthn.Authenticator{SignCount: 0},
	}
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	result, err := fixture.service.FinishLogin(context.Background(), "", []byte(`{}`))
	if err != nil {
		t.Fatalf("finish discoverable login: %v", err)
	}
	if result.UserID != "u2" {
		t.Fatalf("expected credential owner u2 authenticated, got %q", result.UserID)
	}
}

func TestFinishLoginReplayedChallenge(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-auth", "u1", storage.ChallengeKindAuthentication)
	seedStoredCredential(fixture, "raw-cred", "u1", 0)
	fixture.provider.credential = &webauthn.Credential{
		ID:            []byte("raw-cred"),
		PublicKey:     []byte("pk-material"),
		Authenticator: webauthn.Authenticator{SignCount: 1},
	}
	fixture.service.parser = &fakeParser{assertion: assertionResponse("chal-auth", []byte("raw-cred"))}

	if _, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`)); err != nil {
		t.Fatalf("first login: %v", err)
	}
	_, err := fixture.service.FinishLogin(context.Background(), "u1", []byte(`{}`))
	if !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("expected replayed response to fail on consumed challenge, got %v", err)
	}
}

func TestCleanupExpiredChallenges(t *testing.T) {
	fixture := newServiceFixture(t)
	seedChallenge(fixture, "chal-old", "u1", storage.ChallengeKindAuthentication)
	fixture.now = testStart.Add(5 * time.Minute)

	if err := fixture.service.CleanupExpiredChallenges(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(fixture.challenges.challenges) != 0 {
		t.Fatal("expected expired challenge swept")
	}
}
