package devicetoken

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/auth/storage"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

type fakeStore struct {
	devices map[string]storage.Device
	users   map[string]user.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: make(map[string]storage.Device),
		users:   make(map[string]user.User),
	}
}

func (s *fakeStore) PutDevice(_ context.Context, device storage.Device) error {
	s.devices[device.ID] = device
	return nil
}

func (s *fakeStore) GetDevice(_ context.Context, id string) (storage.Device, error) {
	device, ok := s.devices[id]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return device, nil
}

func (s *fakeStore) GetDeviceByFingerprint(_ context.Context, fingerprint string) (storage.Device, error) {
	for _, device := range s.devices {
		if device.Fingerprint == fingerprint {
			return device, nil
		}
	}
	return storage.Device{}, storage.ErrNotFound
}

func (s *fakeStore) ListDevices(_ context.Context, userID string) ([]storage.Device, error) {
	var devices []storage.Device
	for _, device := range s.devices {
		if device.UserID == userID {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

func (s *fakeStore) RevokeDevice(_ context.Context, userID, id string, revokedAt time.Time) error {
	device, ok := s.devices[id]
	if !ok || device.UserID != userID {
		return storage.ErrNotFound
	}
	device.RevokedAt = &revokedAt
	s.devices[id] = device
	return nil
}

func (s *fakeStore) PutUser(_ context.Context, u user.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) CountUsers(_ context.Context) (int64, error) {
	return int64(len(s.users)), nil
}

func (s *fakeStore) SetUserRole(_ context.Context, userID string, role user.Role) error {
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Role = role
	s.users[userID] = u
	return nil
}

func (s *fakeStore) SetUserScopes(_ context.Context, userID string, scopes []string) error {
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Scopes = scopes
	s.users[userID] = u
	return nil
}

func (s *fakeStore) DisableUser(_ context.Context, userID string, disabledAt time.Time) error {
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if u.DisabledAt == nil {
		u.DisabledAt = &disabledAt
	}
	s.users[userID] = u
	return nil
}

type fixture struct {
	store    *fakeStore
	verifier *Verifier
	key      *ecdsa.PrivateKey
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk, err := json.Marshal(jose.JSONWebKey{Key: &key.PublicKey})
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}

	store.users["u1"] = user.User{ID: "u1", Role: user.RoleUser, CreatedAt: now}
	store.devices["d1"] = storage.Device{
		ID:           "d1",
		UserID:       "u1",
		PublicKeyJWK: string(jwk),
		Fingerprint:  "thumb-1",
		CreatedAt:    now,
	}

	verifier := NewVerifier(store, store, DefaultClockSkew).WithClock(func() time.Time { return now })
	return &fixture{store: store, verifier: verifier, key: key, now: now}
}

func (f *fixture) mint(t *testing.T, audience Audience, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token, err := Mint("u1", "d1", f.key, audience, issuedAt, ttl)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestVerifyRoundTripPerChannel(t *testing.T) {
	f := newFixture(t)

	for _, audience := range []Audience{AudienceHTTP, AudienceWS, AudienceSSE} {
		token := f.mint(t, audience, f.now, time.Minute)
		identity, err := f.verifier.Verify(context.Background(), token, audience)
		if err != nil {
			t.Fatalf("verify %s: %v", audience, err)
		}
		if identity.User.ID != "u1" || identity.DeviceID != "d1" {
			t.Fatalf("unexpected identity for %s: %+v", audience, identity)
		}
	}
}

func TestVerifyAudienceMismatch(t *testing.T) {
	f := newFixture(t)
	token := f.mint(t, AudienceHTTP, f.now, time.Minute)

	for _, wrong := range []Audience{AudienceWS, AudienceSSE} {
		_, err := f.verifier.Verify(context.Background(), token, wrong)
		if apperrors.CodeOf(err) != apperrors.CodeAudienceMismatch {
			t.Fatalf("expected audience mismatch for %s, got %v", wrong, err)
		}
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	f := newFixture(t)

	expired := f.mint(t, AudienceHTTP, f.now.Add(-time.Minute), time.Minute-time.Second)
	_, err := f.verifier.Verify(context.Background(), expired, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeTokenExpired {
		t.Fatalf("expected token expired, got %v", err)
	}

	live := f.mint(t, AudienceHTTP, f.now.Add(-time.Minute), time.Minute+time.Second)
	if _, err := f.verifier.Verify(context.Background(), live, AudienceHTTP); err != nil {
		t.Fatalf("expected token within expiry to verify, got %v", err)
	}
}

func TestVerifyIssuedInFuture(t *testing.T) {
	f := newFixture(t)

	withinSkew := f.mint(t, AudienceHTTP, f.now.Add(3*time.Second), time.Minute)
	if _, err := f.verifier.Verify(context.Background(), withinSkew, AudienceHTTP); err != nil {
		t.Fatalf("expected token within skew to verify, got %v", err)
	}

	beyondSkew := f.mint(t, AudienceHTTP, f.now.Add(time.Minute), 2*time.Minute)
	_, err := f.verifier.Verify(context.Background(), beyondSkew, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeTokenNotYetValid {
		t.Fatalf("expected token not yet valid, got %v", err)
	}
}

func TestVerifyUnknownDevice(t *testing.T) {
	f := newFixture(t)
	token, err := Mint("u1", "d-missing", f.key, AudienceHTTP, f.now, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	_, err = f.verifier.Verify(context.Background(), token, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeUnknownDevice {
		t.Fatalf("expected unknown device, got %v", err)
	}
}

func TestVerifyRevokedDevice(t *testing.T) {
	f := newFixture(t)
	if err := f.store.RevokeDevice(context.Background(), "u1", "d1", f.now); err != nil {
		t.Fatalf("revoke device: %v", err)
	}

	token := f.mint(t, AudienceHTTP, f.now, time.Minute)
	_, err := f.verifier.Verify(context.Background(), token, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeDeviceRevoked {
		t.Fatalf("expected device revoked, got %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	f := newFixture(t)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token, err := Mint("u1", "d1", otherKey, AudienceHTTP, f.now, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	_, err = f.verifier.Verify(context.Background(), token, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeBadSignature {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestVerifyMalformedToken(t *testing.T) {
	f := newFixture(t)

	for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		_, err := f.verifier.Verify(context.Background(), token, AudienceHTTP)
		if apperrors.CodeOf(err) != apperrors.CodeMalformedToken {
			t.Fatalf("expected malformed token for %q, got %v", token, err)
		}
	}
}

func TestVerifyUnknownUser(t *testing.T) {
	f := newFixture(t)
	token, err := Mint("u-missing", "d1", f.key, AudienceHTTP, f.now, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	_, err = f.verifier.Verify(context.Background(), token, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeUnknownUser {
		t.Fatalf("expected unknown user, got %v", err)
	}
}

func TestVerifyDisabledUser(t *testing.T) {
	f := newFixture(t)
	if err := f.store.DisableUser(context.Background(), "u1", f.now); err != nil {
		t.Fatalf("disable user: %v", err)
	}

	token := f.mint(t, AudienceHTTP, f.now, time.Minute)
	_, err := f.verifier.Verify(context.Background(), token, AudienceHTTP)
	if apperrors.CodeOf(err) != apperrors.CodeUserDisabled {
		t.Fatalf("expected user disabled, got %v", err)
	}
}

// failingDeviceStore simulates a backend outage while loading device keys.
type failingDeviceStore struct {
	*fakeStore
	err error
}

func (s *failingDeviceStore) GetDevice(context.Context, string) (storage.Device, error) {
	return storage.Device{}, s.err
}

func TestVerifyStoreFailureStaysUntyped(t *testing.T) {
	f := newFixture(t)
	storeErr := errors.New("database is closed")
	broken := &failingDeviceStore{fakeStore: f.store, err: storeErr}
	verifier := NewVerifier(broken, f.store, DefaultClockSkew).WithClock(func() time.Time { return f.now })

	token := f.mint(t, AudienceHTTP, f.now, time.Minute)
	_, err := verifier.Verify(context.Background(), token, AudienceHTTP)
	if err == nil {
		t.Fatal("expected error")
	}
	// A store outage is an internal failure, not a token defect. It must
	// not be reported to the client as MALFORMED_TOKEN.
	if code := apperrors.CodeOf(err); code != apperrors.CodeUnknown {
		t.Fatalf("expected untyped error, got code %s", code)
	}
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error in chain, got %v", err)
	}
}
