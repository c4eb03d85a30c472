// Package devicetoken verifies device-signed request tokens.
//
// A client device holds an ECDSA P-256 key registered through the device
// registry and signs a short-lived ES256 JWT per request. The token proves
// only "this device, bound to this user, signed this request within this
// window for this channel" — roles and scopes never travel in claims.
package devicetoken

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/auth/storage"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

// Audience binds a token to one logical transport channel. The three values
// are disjoint: a token minted for one channel never verifies on another.
type Audience string

const (
	AudienceHTTP Audience = "latchkey:http"
	AudienceWS   Audience = "latchkey:ws"
	AudienceSSE  Audience = "latchkey:sse"
)

// DefaultClockSkew tolerates small clock drift between client and server
// when checking iat.
const DefaultClockSkew = 5 * time.Second

// Identity is the resolved outcome of a successful verification.
type Identity struct {
	User     user.User
	DeviceID string
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// Verifier validates device-signed tokens against registered device keys.
//
// Revocation state is read from the store on every verification. There is no
// cache, so a revoked device or disabled user fails on the next request.
type Verifier struct {
	devices   storage.DeviceStore
	users     storage.UserStore
	clockSkew time.Duration
	now       func() time.Time
}

// NewVerifier builds a token verifier over the device and user stores.
func NewVerifier(devices storage.DeviceStore, users storage.UserStore, clockSkew time.Duration) *Verifier {
	if clockSkew <= 0 {
		clockSkew = DefaultClockSkew
	}
	return &Verifier{
		devices:   devices,
		users:     users,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// WithClock overrides the verifier clock. Intended for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks a device-signed token and resolves it to a user identity.
//
// Each verification step fails with its own typed error so the transport
// layer can map the outcome precisely: malformed token, unknown device,
// revoked device, bad signature, expired, not yet valid, audience mismatch,
// unknown user.
func (v *Verifier) Verify(ctx context.Context, token string, expected Audience) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperrors.New(apperrors.CodeMalformedToken, "token is required")
	}
	if v == nil || v.devices == nil || v.users == nil {
		return Identity{}, fmt.Errorf("token verifier is not configured")
	}

	var deviceID string
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || strings.TrimSpace(kid) == "" {
			return nil, apperrors.New(apperrors.CodeMalformedToken, "token kid is required")
		}
		deviceID = kid

		device, err := v.devices.GetDevice(ctx, kid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apperrors.New(apperrors.CodeUnknownDevice, "token device is unknown")
			}
			return nil, err
		}
		if device.Revoked() {
			return nil, apperrors.New(apperrors.CodeDeviceRevoked, "token device has been revoked")
		}
		return deviceVerificationKey(device)
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	now := v.now().UTC()
	if parsed.ExpiresAt == nil {
		return Identity{}, apperrors.New(apperrors.CodeMalformedToken, "token exp is required")
	}
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return Identity{}, apperrors.New(apperrors.CodeTokenExpired, "token is expired")
	}
	if parsed.IssuedAt != nil && parsed.IssuedAt.Time.UTC().After(now.Add(v.clockSkew)) {
		return Identity{}, apperrors.New(apperrors.CodeTokenNotYetValid, "token issued in the future")
	}
	if parsed.NotBefore != nil && now.Add(v.clockSkew).Before(parsed.NotBefore.Time.UTC()) {
		return Identity{}, apperrors.New(apperrors.CodeTokenNotYetValid, "token not active yet")
	}

	if !audienceMatches(parsed.Audience, expected) {
		return Identity{}, apperrors.WithMetadata(
			apperrors.CodeAudienceMismatch,
			"token audience mismatch",
			map[string]string{"Expected": string(expected)},
		)
	}

	userID := strings.TrimSpace(parsed.Subject)
	if userID == "" {
		return Identity{}, apperrors.New(apperrors.CodeMalformedToken, "token sub is required")
	}
	resolved, err := v.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, apperrors.New(apperrors.CodeUnknownUser, "token user is unknown")
		}
		return Identity{}, err
	}
	if resolved.Disabled() {
		return Identity{}, apperrors.New(apperrors.CodeUserDisabled, "user account is disabled")
	}

	return Identity{User: resolved, DeviceID: deviceID}, nil
}

// Mint signs a device token. The server never mints tokens in production
// traffic — clients do — but the signing half is needed for interoperability
// checks and tests.
func Mint(userID, deviceID string, key *ecdsa.PrivateKey, audience Audience, issuedAt time.Time, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return "", fmt.Errorf("device id is required")
	}
	if key == nil {
		return "", fmt.Errorf("signing key is required")
	}

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{string(audience)},
		IssuedAt:  jwt.NewNumericDate(issuedAt.UTC()),
		ExpiresAt: jwt.NewNumericDate(issuedAt.UTC().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = deviceID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// deviceVerificationKey parses the stored JWK back into a public key.
func deviceVerificationKey(device storage.Device) (*ecdsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal([]byte(device.PublicKeyJWK), &jwk); err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	public, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("device key is not an EC public key")
	}
	return public, nil
}

// mapJWTError translates jwt library errors to typed domain errors, keeping
// keyfunc failures (unknown device, revoked device) intact. Anything else,
// such as a store failure while loading the device key, passes through
// untyped so it surfaces as an internal error instead of a token rejection.
func mapJWTError(err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrECDSAVerification) {
		return apperrors.New(apperrors.CodeBadSignature, "token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return apperrors.Wrap(apperrors.CodeMalformedToken, "token is malformed", err)
	}
	return err
}

// audienceMatches requires the expected audience with no extras. A token is
// bound to exactly one channel.
func audienceMatches(aud jwt.ClaimStrings, expected Audience) bool {
	if len(aud) != 1 {
		return false
	}
	return aud[0] == string(expected)
}
