// Package storage defines the durable records and store contracts for the
// auth service.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrChallengeInvalid covers missing, expired, and already-consumed
// challenges. The cases are deliberately indistinguishable so a caller
// cannot probe challenge state.
var ErrChallengeInvalid = apperrors.New(apperrors.CodeChallengeInvalid, "challenge is invalid")

// ErrLastPasskey indicates a revoke would leave the user with zero active
// credentials.
var ErrLastPasskey = apperrors.New(apperrors.CodeLastPasskey, "cannot revoke the last active passkey")

// ErrCredentialRevoked indicates an operation on an already-revoked credential.
var ErrCredentialRevoked = apperrors.New(apperrors.CodeCredentialRevoked, "credential is revoked")

// Credential stores a WebAuthn credential for a user.
//
// ID is the internal identifier ('k' prefix); ExternalID is the opaque
// credential id minted by the authenticator, base64url-encoded. The two are
// never interchangeable.
type Credential struct {
	ID             string
	UserID         string
	ExternalID     string
	CredentialJSON string
	SignCount      uint32
	AAGUID         string
	Transports     string
	Name           string
	CreatedAt      time.Time
	LastUsedAt     *time.Time
	RevokedAt      *time.Time
}

// Active reports whether the credential can still be used to sign in.
func (c Credential) Active() bool {
	return c.RevokedAt == nil
}

// Challenge stores a single-use WebAuthn ceremony flow.
type Challenge struct {
	ID          string
	Ceremony    string
	UserID      string
	SessionJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// Device stores a client device public key for ES256 token verification.
type Device struct {
	ID           string
	UserID       string
	PublicKeyJWK string
	Fingerprint  string
	Label        string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// Revoked reports whether the device has been revoked.
func (d Device) Revoked() bool {
	return d.RevokedAt != nil
}

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	CountUsers(ctx context.Context) (int64, error)
	SetUserRole(ctx context.Context, userID string, role user.Role) error
	SetUserScopes(ctx context.Context, userID string, scopes []string) error
	DisableUser(ctx context.Context, userID string, disabledAt time.Time) error
}

// ChallengeStore persists single-use ceremony challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, challenge Challenge) error
	// ConsumeChallenge atomically marks an unconsumed, unexpired challenge
	// as consumed and returns it. Any miss (unknown id, ceremony mismatch,
	// expired, already consumed) fails with ErrChallengeInvalid.
	ConsumeChallenge(ctx context.Context, id string, ceremony string, now time.Time) (Challenge, error)
	// DeleteExpiredChallenges is storage hygiene only; ConsumeChallenge
	// already excludes expired rows.
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// CredentialStore persists WebAuthn credentials and enforces the
// last-active-credential invariant on revoke.
type CredentialStore interface {
	PutCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, id string) (Credential, error)
	GetCredentialByExternalID(ctx context.Context, externalID string) (Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
	CountActiveCredentials(ctx context.Context, userID string) (int64, error)
	// MarkCredentialUsed records a successful assertion: new signature
	// counter, last-used timestamp, and refreshed credential blob.
	MarkCredentialUsed(ctx context.Context, id string, signCount uint32, usedAt time.Time, credentialJSON string) error
	RenameCredential(ctx context.Context, userID, id, name string) error
	// RevokeCredential sets the revocation timestamp inside a transaction
	// that locks the user's credential rows. It fails with ErrLastPasskey
	// when no other active credential would remain.
	RevokeCredential(ctx context.Context, userID, id string, revokedAt time.Time) error
}

// DeviceStore persists device public keys bound to users.
type DeviceStore interface {
	PutDevice(ctx context.Context, device Device) error
	GetDevice(ctx context.Context, id string) (Device, error)
	GetDeviceByFingerprint(ctx context.Context, fingerprint string) (Device, error)
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	RevokeDevice(ctx context.Context, userID, id string, revokedAt time.Time) error
}
