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

// PutDevice stores a device public key record.
func (s *Store) PutDevice(ctx context.Context, device storage.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(device.ID) == "" {
		return fmt.Errorf("device id is required")
	}
	if strings.TrimSpace(device.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(device.PublicKeyJWK) == "" {
		return fmt.Errorf("device public key is required")
	}
	if strings.TrimSpace(device.Fingerprint) == "" {
		return fmt.Errorf("device fingerprint is required")
	}

	revoked := sql.NullInt64{}
	if device.RevokedAt != nil {
		revoked = sql.NullInt64{Int64: toMillis(*device.RevokedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO devices (id, user_id, public_key_jwk, fingerprint, label, created_at, revoked_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		device.ID,
		device.UserID,
		device.PublicKeyJWK,
		device.Fingerprint,
		device.Label,
		toMillis(device.CreatedAt),
		revoked,
	)
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// GetDevice fetches a device record by id.
func (s *Store) GetDevice(ctx context.Context, id string) (storage.Device, error) {
	if err := ctx.Err(); err != nil {
		return storage.Device{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Device{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.Device{}, fmt.Errorf("device id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, public_key_jwk, fingerprint, label, created_at, revoked_at
FROM devices
WHERE id = ?
`, id)
	return scanDevice(row.Scan)
}

// GetDeviceByFingerprint fetches a device by its public key thumbprint.
func (s *Store) GetDeviceByFingerprint(ctx context.Context, fingerprint string) (storage.Device, error) {
	if err := ctx.Err(); err != nil {
		return storage.Device{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Device{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(fingerprint) == "" {
		return storage.Device{}, fmt.Errorf("device fingerprint is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, public_key_jwk, fingerprint, label, created_at, revoked_at
FROM devices
WHERE fingerprint = ?
`, fingerprint)
	return scanDevice(row.Scan)
}

// ListDevices returns every device registered by a user.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]storage.Device, error) {
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
SELECT id, user_id, public_key_jwk, fingerprint, label, created_at, revoked_at
FROM devices
WHERE user_id = ?
ORDER BY created_at ASC, id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []storage.Device
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// RevokeDevice marks a user's device revoked. Revoking twice is a no-op for
// the timestamp; the first revocation wins.
func (s *Store) RevokeDevice(ctx context.Context, userID, id string, revokedAt time.Time) error {
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
		return fmt.Errorf("device id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE devices SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ? AND user_id = ?
`, toMillis(revokedAt), id, userID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	return requireRowAffected(result, "revoke device")
}

func scanDevice(scan func(dest ...any) error) (storage.Device, error) {
	var device storage.Device
	var createdAt int64
	var revokedAt sql.NullInt64
	if err := scan(
		&device.ID,
		&device.UserID,
		&device.PublicKeyJWK,
		&device.Fingerprint,
		&device.Label,
		&createdAt,
		&revokedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Device{}, storage.ErrNotFound
		}
		return storage.Device{}, fmt.Errorf("get device: %w", err)
	}
	device.CreatedAt = fromMillis(createdAt)
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		device.RevokedAt = &value
	}
	return device, nil
}
