package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/keyloom/keyloom/internal/auth/passkey"
	"github.com/keyloom/keyloom/internal/auth/storage"
	"github.com/keyloom/keyloom/internal/auth/user"
	apperrors "github.com/keyloom/keyloom/internal/platform/errors"
	"github.com/keyloom/keyloom/internal/platform/id"
	"go.uber.org/zap"
)

// maxBodyBytes bounds authenticator responses; attestation payloads stay
// well under this.
const maxBodyBytes = 1 << 20

// passkeyService is the slice of the ceremony service the handlers use.
type passkeyService interface {
	BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, userID string, responseJSON []byte) (passkey.RegistrationResult, error)
	BeginLogin(ctx context.Context, userID string) (*protocol.CredentialAssertion, error)
	FinishLogin(ctx context.Context, userID string, responseJSON []byte) (passkey.LoginResult, error)
	ListPasskeys(ctx context.Context, userID string) ([]storage.Credential, error)
	DeletePasskey(ctx context.Context, credentialID string) error
}

// Handler serves the passkey ceremony and credential management routes.
type Handler struct {
	passkeys passkeyService
	users    storage.UserStore
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() (string, error)
}

// NewHandler builds the HTTP handler over the ceremony service and user store.
func NewHandler(passkeys passkeyService, users storage.UserStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		passkeys: passkeys,
		users:    users,
		logger:   logger,
		clock:    time.Now,
		newID:    id.NewID,
	}
}

// CreateUser handles POST /v1/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}

	created, err := user.CreateUser(user.CreateUserInput{
		Email:       req.Email,
		DisplayName: req.DisplayName,
	}, h.clock, h.newID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.users.PutUser(r.Context(), created); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "store user", err))
		return
	}

	h.writeJSON(w, http.StatusCreated, userResponse{
		ID:          created.ID,
		Email:       created.Email,
		DisplayName: created.DisplayName,
	})
}

// BeginRegistration handles POST /v1/passkeys/registration/begin.
//
// The response body is the library's credential creation envelope:
// {"publicKey": {"challenge": ..., "rp": ..., "user": ..., ...}}.
func (h *Handler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	var req beginCeremonyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if req.UserID == "" {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "userId is required"))
		return
	}

	creation, err := h.passkeys.BeginRegistration(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, creation)
}

// FinishRegistration handles POST /v1/passkeys/registration/finish.
func (h *Handler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	var req finishCeremonyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if req.UserID == "" {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "userId is required"))
		return
	}
	if len(req.Response) == 0 {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "response is required"))
		return
	}

	result, err := h.passkeys.FinishRegistration(r.Context(), req.UserID, req.Response)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finishRegistrationResponse{
		Verified:     true,
		CredentialID: result.CredentialID,
	})
}

// BeginLogin handles POST /v1/passkeys/login/begin.
//
// An empty or absent userId selects the discoverable flow; the
// authenticator picks the credential at finish time.
func (h *Handler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	var req beginCeremonyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}

	assertion, err := h.passkeys.BeginLogin(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, assertion)
}

// FinishLogin handles POST /v1/passkeys/login/finish.
func (h *Handler) FinishLogin(w http.ResponseWriter, r *http.Request) {
	var req finishCeremonyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if len(req.Response) == 0 {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "response is required"))
		return
	}

	result, err := h.passkeys.FinishLogin(r.Context(), req.UserID, req.Response)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finishLoginResponse{
		Verified:     true,
		UserID:       result.UserID,
		CredentialID: result.CredentialID,
	})
}

// ListPasskeys handles GET /v1/users/{userID}/passkeys.
func (h *Handler) ListPasskeys(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "user id is required"))
		return
	}

	credentials, err := h.passkeys.ListPasskeys(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	passkeys := make([]passkeyResponse, 0, len(credentials))
	for _, credential := range credentials {
		passkeys = append(passkeys, passkeyResponse{
			CredentialID: credential.CredentialID,
			Transports:   credential.Transports,
			CreatedAt:    credential.CreatedAt,
			LastUsedAt:   credential.LastUsedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, listPasskeysResponse{Passkeys: passkeys})
}

// DeletePasskey handles DELETE /v1/passkeys/{credentialID}.
func (h *Handler) DeletePasskey(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialID")
	if credentialID == "" {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "credential id is required"))
		return
	}

	if err := h.passkeys.DeletePasskey(r.Context(), credentialID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, into any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(into)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are already out; the failure can only be logged.
		h.logger.Error("encode response", zap.Error(err), zap.Int("status", status))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	}
	h.writeJSON(w, status, errorResponse{Error: errorBody{
		Code:    string(code),
		Message: message,
	}})
}
