package passkey

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/keyloom/keyloom/internal/auth/storage"
	"github.com/keyloom/keyloom/internal/auth/user"
)

// encodeCredentialID renders a raw credential id as the stable text key
// credentials are stored and looked up under.
func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// toStoredCredential flattens a library credential into the storage record.
func toStoredCredential(userID string, credential webauthn.Credential, now time.Time) (storage.Credential, error) {
	flagsJSON, err := json.Marshal(credential.Flags)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("marshal credential flags: %w", err)
	}
	var transports []string
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	return storage.Credential{
		CredentialID: encodeCredentialID(credential.ID),
		UserID:       userID,
		PublicKey:    base64.StdEncoding.EncodeToString(credential.PublicKey),
		Counter:      credential.Authenticator.SignCount,
		Transports:   transports,
		FlagsJSON:    string(flagsJSON),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// toLibraryCredential rebuilds the library credential the assertion
// verifier needs from a stored record.
func toLibraryCredential(record storage.Credential) (webauthn.Credential, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(record.CredentialID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential id %s: %w", record.CredentialID, err)
	}
	publicKey, err := base64.StdEncoding.DecodeString(record.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode public key for %s: %w", record.CredentialID, err)
	}
	var flags webauthn.CredentialFlags
	if record.FlagsJSON != "" {
		if err := json.Unmarshal([]byte(record.FlagsJSON), &flags); err != nil {
			return webauthn.Credential{}, fmt.Errorf("decode flags for %s: %w", record.CredentialID, err)
		}
	}
	var transports []protocol.AuthenticatorTransport
	for _, transport := range record.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return webauthn.Credential{
		ID:        rawID,
		PublicKey: publicKey,
		Transport: transports,
		Flags:     flags,
		Authenticator: webauthn.Authenticator{
			SignCount: record.Counter,
		},
	}, nil
}

// ceremonyUser adapts a user and their stored credentials to the library's
// view of a WebAuthn user.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.user.DisplayName
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}
