package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyloom/keyloom/internal/auth/storage"
)

func encodeTransports(transports []string) (string, error) {
	if len(transports) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(transports)
	if err != nil {
		return "", fmt.Errorf("marshal transports: %w", err)
	}
	return string(encoded), nil
}

func decodeTransports(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "[]" {
		return nil, nil
	}
	var transports []string
	if err := json.Unmarshal([]byte(value), &transports); err != nil {
		return nil, fmt.Errorf("unmarshal transports: %w", err)
	}
	return transports, nil
}

// CreateCredential inserts a new credential row.
//
// The credential id carries a unique constraint; re-registering the same
// authenticator surfaces storage.ErrDuplicate without touching the first row.
func (s *Store) CreateCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.PublicKey) == "" {
		return fmt.Errorf("public key is required")
	}

	transportsJSON, err := encodeTransports(credential.Transports)
	if err != nil {
		return err
	}
	flagsJSON := strings.TrimSpace(credential.FlagsJSON)
	if flagsJSON == "" {
		flagsJSON = "{}"
	}
	var lastUsed sql.NullInt64
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
	credential_id, user_id, public_key, counter, transports_json, flags_json,
	created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.CredentialID,
		credential.UserID,
		credential.PublicKey,
		int64(credential.Counter),
		transportsJSON,
		flagsJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// GetCredential fetches a credential by its identifier.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, public_key, counter, transports_json, flags_json,
	created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?
`, credentialID)

	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// ListCredentialsByUser returns a user's credentials in registration order.
func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, public_key, counter, transports_json, flags_json,
	created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE user_id = ?
ORDER BY created_at ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var credentials []storage.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// AdvanceCredentialCounter performs the counter guard as one conditional write.
//
// The WHERE clause is the guard: a zero stored counter accepts any reported
// value, a non-zero stored counter only strictly greater values. Concurrent
// advances for the same credential serialize on the row, so at most one of
// two equal reports wins.
func (s *Store) AdvanceCredentialCounter(ctx context.Context, credentialID string, counter uint32, lastUsed time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return fmt.Errorf("credential id is required")
	}

	now := toMillis(lastUsed)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET counter = ?, last_used_at = ?, updated_at = ?
WHERE credential_id = ? AND (counter = 0 OR counter < ?)
`,
		int64(counter),
		now,
		now,
		credentialID,
		int64(counter),
	)
	if err != nil {
		return fmt.Errorf("advance credential counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance credential counter: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM passkey_credentials WHERE credential_id = ?`, credentialID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("advance credential counter: %w", err)
	}
	return storage.ErrCounterRegression
}

// DeleteCredential removes a credential; missing rows are a no-op.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return fmt.Errorf("credential id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM passkey_credentials WHERE credential_id = ?`, credentialID,
	); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (storage.Credential, error) {
	var credential storage.Credential
	var transportsJSON string
	var createdAt, updatedAt int64
	var lastUsed sql.NullInt64
	var counter int64

	err := row.Scan(
		&credential.CredentialID,
		&credential.UserID,
		&credential.PublicKey,
		&counter,
		&transportsJSON,
		&credential.FlagsJSON,
		&createdAt,
		&updatedAt,
		&lastUsed,
	)
	if err != nil {
		return storage.Credential{}, err
	}

	transports, err := decodeTransports(transportsJSON)
	if err != nil {
		return storage.Credential{}, err
	}
	credential.Transports = transports
	credential.Counter = uint32(counter)
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}
