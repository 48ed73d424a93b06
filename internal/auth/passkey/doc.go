// Package passkey orchestrates WebAuthn registration and authentication
// ceremonies.
//
// It owns the challenge lifecycle (issue, single-use consumption, expiry)
// and the signature-counter anti-replay guard, delegating the cryptographic
// verification of attestations and assertions to go-webauthn.
package passkey
