// Package device registers client device keys and resolves them for token
// verification.
//
// A device presents an ECDSA P-256 public key as a JWK. The key's RFC 7638
// thumbprint is the dedup handle: re-registering the same key returns the
// same device id, so clients survive reinstalls without minting duplicate
// identities.
package device

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/auth/ids"
	"github.com/louisbranch/latchkey/internal/services/auth/storage"
)

// MaxLabelLength bounds user-supplied device labels.
const MaxLabelLength = 64

// Key is a validated device public key.
type Key struct {
	// Public is the parsed ECDSA P-256 key.
	Public *ecdsa.PublicKey
	// Fingerprint is the hex-encoded RFC 7638 SHA-256 thumbprint.
	Fingerprint string
	// JWK is the canonical JSON serialization stored alongside the device.
	JWK string
}

// ParseKey validates a device JWK and computes its thumbprint.
//
// Only EC P-256 keys are accepted; anything else fails with a
// DEVICE_KEY_INVALID error.
func ParseKey(jwkJSON string) (Key, error) {
	if strings.TrimSpace(jwkJSON) == "" {
		return Key{}, apperrors.New(apperrors.CodeDeviceKeyInvalid, "device public key is required")
	}

	var jwk jose.JSONWebKey
	if err := json.Unmarshal([]byte(jwkJSON), &jwk); err != nil {
		return Key{}, apperrors.Wrap(apperrors.CodeDeviceKeyInvalid, "device public key is not a valid JWK", err)
	}
	if !jwk.Valid() {
		return Key{}, apperrors.New(apperrors.CodeDeviceKeyInvalid, "device public key is not a valid JWK")
	}

	public, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return Key{}, apperrors.New(apperrors.CodeDeviceKeyInvalid, "device public key must be an EC public key")
	}
	if public.Curve != elliptic.P256() {
		return Key{}, apperrors.New(apperrors.CodeDeviceKeyInvalid, "device public key must use curve P-256")
	}

	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return Key{}, apperrors.Wrap(apperrors.CodeDeviceKeyInvalid, "device public key thumbprint failed", err)
	}

	canonical, err := json.Marshal(jose.JSONWebKey{Key: public})
	if err != nil {
		return Key{}, apperrors.Wrap(apperrors.CodeDeviceKeyInvalid, "device public key serialization failed", err)
	}

	return Key{
		Public:      public,
		Fingerprint: hex.EncodeToString(thumbprint),
		JWK:         string(canonical),
	}, nil
}

// Registry manages device registrations for users.
type Registry struct {
	store storage.DeviceStore
	now   func() time.Time
	newID func() (string, error)
}

// NewRegistry builds a device registry over the given store.
func NewRegistry(store storage.DeviceStore) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
		newID: ids.NewDeviceID,
	}
}

// WithClock overrides the registry clock. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register records a device public key for a user.
//
// Registering a key the user already holds returns the existing device
// unchanged, so the device id is stable across repeat registrations.
func (r *Registry) Register(ctx context.Context, userID, jwkJSON, label string) (storage.Device, error) {
	if r == nil || r.store == nil {
		return storage.Device{}, fmt.Errorf("device registry is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.Device{}, fmt.Errorf("user id is required")
	}
	label = strings.TrimSpace(label)
	if len(label) > MaxLabelLength {
		return storage.Device{}, apperrors.New(apperrors.CodeDeviceKeyInvalid, "device label is too long")
	}

	key, err := ParseKey(jwkJSON)
	if err != nil {
		return storage.Device{}, err
	}

	existing, err := r.store.GetDeviceByFingerprint(ctx, key.Fingerprint)
	if err == nil {
		if existing.UserID != userID {
			return storage.Device{}, apperrors.New(apperrors.CodeDeviceKeyInvalid, "device key is already registered")
		}
		if existing.Revoked() {
			return storage.Device{}, apperrors.New(apperrors.CodeDeviceRevoked, "device has been revoked")
		}
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Device{}, err
	}

	deviceID, err := r.newID()
	if err != nil {
		return storage.Device{}, fmt.Errorf("new device id: %w", err)
	}

	created := storage.Device{
		ID:           deviceID,
		UserID:       userID,
		PublicKeyJWK: key.JWK,
		Fingerprint:  key.Fingerprint,
		Label:        label,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.store.PutDevice(ctx, created); err != nil {
		return storage.Device{}, err
	}
	return created, nil
}

// List returns the devices registered by a user.
func (r *Registry) List(ctx context.Context, userID string) ([]storage.Device, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("device registry is not configured")
	}
	return r.store.ListDevices(ctx, userID)
}

// Revoke marks a user's device revoked. Tokens signed by the device fail
// verification from this point on.
func (r *Registry) Revoke(ctx context.Context, userID, deviceID string) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("device registry is not configured")
	}
	return r.store.RevokeDevice(ctx, userID, deviceID, r.now().UTC())
}
