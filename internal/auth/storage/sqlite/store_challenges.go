package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyloom/keyloom/internal/auth/storage"
)

// PutChallenge inserts a fresh challenge row.
func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.Value) == "" {
		return fmt.Errorf("challenge value is required")
	}
	if strings.TrimSpace(string(challenge.Kind)) == "" {
		return fmt.Errorf("challenge kind is required")
	}
	if strings.TrimSpace(challenge.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	userID := sql.NullString{}
	if strings.TrimSpace(challenge.UserID) != "" {
		userID = sql.NullString{String: challenge.UserID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_challenges (value, user_id, kind, session_json, created_at, expires_at, used)
VALUES (?, ?, ?, ?, ?, ?, 0)
`,
		challenge.Value,
		userID,
		string(challenge.Kind),
		challenge.SessionJSON,
		toMillis(challenge.CreatedAt),
		toMillis(challenge.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// GetValidChallenge returns a consumable challenge or storage.ErrNotFound.
//
// Missing, expired, consumed, and user-mismatched challenges are
// indistinguishable to the caller.
func (s *Store) GetValidChallenge(ctx context.Context, value string, kind storage.ChallengeKind, userID string, now time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return storage.Challenge{}, fmt.Errorf("challenge value is required")
	}

	query := `
SELECT value, user_id, kind, session_json, created_at, expires_at, used
FROM passkey_challenges
WHERE value = ? AND kind = ? AND used = 0 AND expires_at > ?
`
	args := []any{value, string(kind), toMillis(now)}
	if strings.TrimSpace(userID) != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	row := s.sqlDB.QueryRowContext(ctx, query, args...)

	var challenge storage.Challenge
	var storedUser sql.NullString
	var storedKind string
	var createdAt, expiresAt int64
	var used int
	err := row.Scan(&challenge.Value, &storedUser, &storedKind, &challenge.SessionJSON, &createdAt, &expiresAt, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}

	if storedUser.Valid {
		challenge.UserID = storedUser.String
	}
	challenge.Kind = storage.ChallengeKind(storedKind)
	challenge.CreatedAt = fromMillis(createdAt)
	challenge.ExpiresAt = fromMillis(expiresAt)
	challenge.Used = used != 0
	return challenge, nil
}

// MarkChallengeUsed flips used to true exactly once.
//
// The conditional update keeps consumption at-most-once under concurrent
// verification attempts; repeated or missing values are a no-op.
func (s *Store) MarkChallengeUsed(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("challenge value is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE passkey_challenges SET used = 1 WHERE value = ? AND used = 0`, value,
	); err != nil {
		return fmt.Errorf("mark challenge used: %w", err)
	}
	return nil
}

// DeleteExpiredChallenges removes every challenge past its expiry.
//
// Consumed challenges are swept too once expired; they are superseded and
// only occupy space.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM passkey_challenges WHERE expires_at < ?`, toMillis(now),
	); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
