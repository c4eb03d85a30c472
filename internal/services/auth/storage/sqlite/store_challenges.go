package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/latchkey/internal/services/auth/storage"
)

// PutChallenge stores a pending ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if strings.TrimSpace(challenge.Ceremony) == "" {
		return fmt.Errorf("challenge ceremony is required")
	}
	if strings.TrimSpace(challenge.SessionJSON) == "" {
		return fmt.Errorf("challenge session json is required")
	}

	userID := sql.NullString{}
	if strings.TrimSpace(challenge.UserID) != "" {
		userID = sql.NullString{String: challenge.UserID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO webauthn_challenges (id, ceremony, user_id, session_json, created_at, expires_at, consumed_at)
VALUES (?, ?, ?, ?, ?, ?, NULL)
`,
		challenge.ID,
		challenge.Ceremony,
		userID,
		challenge.SessionJSON,
		toMillis(challenge.CreatedAt),
		toMillis(challenge.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge marks a live challenge consumed and returns it.
//
// The consume is a single conditional UPDATE, so two concurrent finishes of
// the same flow cannot both succeed. Every miss is reported as
// ErrChallengeInvalid regardless of cause.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, ceremony string, now time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" || strings.TrimSpace(ceremony) == "" {
		return storage.Challenge{}, storage.ErrChallengeInvalid
	}

	nowMillis := toMillis(now)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webauthn_challenges
SET consumed_at = ?
WHERE id = ? AND ceremony = ? AND consumed_at IS NULL AND expires_at > ?
`, nowMillis, id, ceremony, nowMillis)
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	if affected == 0 {
		return storage.Challenge{}, storage.ErrChallengeInvalid
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, ceremony, user_id, session_json, created_at, expires_at, consumed_at
FROM webauthn_challenges
WHERE id = ?
`, id)
	challenge, err := scanChallenge(row.Scan)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Challenge{}, storage.ErrChallengeInvalid
		}
		return storage.Challenge{}, err
	}
	return challenge, nil
}

// DeleteExpiredChallenges removes challenges past their expiry.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM webauthn_challenges WHERE expires_at <= ?
`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	return deleted, nil
}

func scanChallenge(scan func(dest ...any) error) (storage.Challenge, error) {
	var challenge storage.Challenge
	var userID sql.NullString
	var createdAt int64
	var expiresAt int64
	var consumedAt sql.NullInt64
	if err := scan(&challenge.ID, &challenge.Ceremony, &userID, &challenge.SessionJSON, &createdAt, &expiresAt, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	if userID.Valid {
		challenge.UserID = userID.String
	}
	challenge.CreatedAt = fromMillis(createdAt)
	challenge.ExpiresAt = fromMillis(expiresAt)
	if consumedAt.Valid {
		value := fromMillis(consumedAt.Int64)
		challenge.ConsumedAt = &value
	}
	return challenge, nil
}
