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

const credentialColumns = `
id, user_id, external_id, credential_json, sign_count, aaguid, transports, name, created_at, last_used_at, revoked_at
`

// PutCredential stores a WebAuthn credential.
func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.ID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.ExternalID) == "" {
		return fmt.Errorf("external credential id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}
	revoked := sql.NullInt64{}
	if credential.RevokedAt != nil {
		revoked = sql.NullInt64{Int64: toMillis(*credential.RevokedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO webauthn_credentials (id, user_id, external_id, credential_json, sign_count, aaguid, transports, name, created_at, last_used_at, revoked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.ID,
		credential.UserID,
		credential.ExternalID,
		credential.CredentialJSON,
		credential.SignCount,
		credential.AAGUID,
		credential.Transports,
		credential.Name,
		toMillis(credential.CreatedAt),
		lastUsed,
		revoked,
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential by internal id.
func (s *Store) GetCredential(ctx context.Context, id string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+credentialColumns+`
FROM webauthn_credentials
WHERE id = ?
`, id)
	return scanCredential(row.Scan)
}

// GetCredentialByExternalID fetches a stored credential by its
// authenticator-minted id.
func (s *Store) GetCredentialByExternalID(ctx context.Context, externalID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(externalID) == "" {
		return storage.Credential{}, fmt.Errorf("external credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+credentialColumns+`
FROM webauthn_credentials
WHERE external_id = ?
`, externalID)
	return scanCredential(row.Scan)
}

// ListCredentials returns every credential for a user, revoked included.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+credentialColumns+`
FROM webauthn_credentials
WHERE user_id = ?
ORDER BY created_at ASC, id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.Credential
	for rows.Next() {
		credential, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// CountActiveCredentials counts credentials without a revocation timestamp.
func (s *Store) CountActiveCredentials(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("user id is required")
	}

	var count int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM webauthn_credentials WHERE user_id = ? AND revoked_at IS NULL
`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active credentials: %w", err)
	}
	return count, nil
}

// MarkCredentialUsed records a successful assertion against a credential.
func (s *Store) MarkCredentialUsed(ctx context.Context, id string, signCount uint32, usedAt time.Time, credentialJSON string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webauthn_credentials
SET sign_count = ?, last_used_at = ?, credential_json = ?
WHERE id = ?
`, signCount, toMillis(usedAt), credentialJSON, id)
	if err != nil {
		return fmt.Errorf("mark credential used: %w", err)
	}
	return requireRowAffected(result, "mark credential used")
}

// RenameCredential updates the display name of a user's credential.
func (s *Store) RenameCredential(ctx context.Context, userID, id, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webauthn_credentials SET name = ? WHERE id = ? AND user_id = ?
`, name, id, userID)
	if err != nil {
		return fmt.Errorf("rename credential: %w", err)
	}
	return requireRowAffected(result, "rename credential")
}

// RevokeCredential marks a credential revoked, rejecting the revoke when it
// would leave the user with zero active credentials.
//
// The count and the update run inside one transaction under a per-user lock.
// SQLite has a single writer, so the lock mostly guards against interleaved
// reads from this process; it also keeps the invariant if the store ever
// moves to a multi-writer backend.
func (s *Store) RevokeCredential(ctx context.Context, userID, id string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("credential id is required")
	}

	unlock := s.lockUser(userID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT revoked_at FROM webauthn_credentials WHERE id = ? AND user_id = ?
`, id, userID)
		var revoked sql.NullInt64
		if err := row.Scan(&revoked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("revoke credential: %w", err)
		}
		if revoked.Valid {
			return storage.ErrCredentialRevoked
		}

		var remaining int64
		err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM webauthn_credentials
WHERE user_id = ? AND revoked_at IS NULL AND id <> ?
`, userID, id).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
		if remaining == 0 {
			return storage.ErrLastPasskey
		}

		result, err := tx.ExecContext(ctx, `
UPDATE webauthn_credentials SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL
`, toMillis(revokedAt), id, userID)
		if err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
		return requireRowAffected(result, "revoke credential")
	})
}

func scanCredential(scan func(dest ...any) error) (storage.Credential, error) {
	var credential storage.Credential
	var createdAt int64
	var lastUsedAt sql.NullInt64
	var revokedAt sql.NullInt64
	if err := scan(
		&credential.ID,
		&credential.UserID,
		&credential.ExternalID,
		&credential.CredentialJSON,
		&credential.SignCount,
		&credential.AAGUID,
		&credential.Transports,
		&credential.Name,
		&createdAt,
		&lastUsedAt,
		&revokedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	if lastUsedAt.Valid {
		value := fromMillis(lastUsedAt.Int64)
		credential.LastUsedAt = &value
	}
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		credential.RevokedAt = &value
	}
	return credential, nil
}
