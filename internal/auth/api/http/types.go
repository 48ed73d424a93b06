package http

import (
	"encoding/json"
	"time"
)

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type beginCeremonyRequest struct {
	UserID string `json:"userId"`
}

type finishCeremonyRequest struct {
	UserID   string          `json:"userId"`
	Response json.RawMessage `json:"response"`
}

type finishRegistrationResponse struct {
	Verified     bool   `json:"verified"`
	CredentialID string `json:"credentialId"`
}

type finishLoginResponse struct {
	Verified     bool   `json:"verified"`
	UserID       string `json:"userId"`
	CredentialID string `json:"credentialId"`
}

type passkeyResponse struct {
	CredentialID string     `json:"credentialId"`
	Transports   []string   `json:"transports,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

type listPasskeysResponse struct {
	Passkeys []passkeyResponse `json:"passkeys"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
