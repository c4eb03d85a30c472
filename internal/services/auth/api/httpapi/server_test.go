package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/louisbranch/latchkey/internal/services/auth/authz"
	"github.com/louisbranch/latchkey/internal/services/auth/ceremony"
	"github.com/louisbranch/latchkey/internal/services/auth/device"
	"github.com/louisbranch/latchkey/internal/services/auth/devicetoken"
	"github.com/louisbranch/latchkey/internal/services/auth/ids"
	"github.com/louisbranch/latchkey/internal/services/auth/passkey"
	"github.com/louisbranch/latchkey/internal/services/auth/storage/sqlite"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

type apiFixture struct {
	mux   *http.ServeMux
	store *sqlite.Store
	rp    virtualwebauthn.RelyingParty
}

type registeredUser struct {
	userID       string
	credentialID string
	deviceID     string
	deviceKey    *ecdsa.PrivateKey
	auth         *virtualwebauthn.Authenticator
	credential   *virtualwebauthn.Credential
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	cfg, err := passkey.Config{Mode: passkey.ModePermissive, FirstUserIsAdmin: true}.Normalize()
	if err != nil {
		t.Fatalf("normalize config: %v", err)
	}

	registry := device.NewRegistry(store)
	engine, err := ceremony.NewEngine(cfg, store, store, store, registry)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	verifier := devicetoken.NewVerifier(store, store, devicetoken.DefaultClockSkew)
	server := NewServer(engine, verifier, authz.NewResolver(store), registry, store)

	mux := http.NewServeMux()
	if err := server.RegisterRoutes(mux); err != nil {
		t.Fatalf("register routes: %v", err)
	}

	return &apiFixture{
		mux:   mux,
		store: store,
		rp: virtualwebauthn.RelyingParty{
			Name:   cfg.RPDisplayName,
			ID:     cfg.RPID,
			Origin: cfg.RPOrigins[0],
		},
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(rr.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return value
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorResponse](t, rr).Code
}

func (f *apiFixture) attest(t *testing.T, optionsJSON []byte, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential) json.RawMessage {
	t.Helper()
	var creation protocol.CredentialCreation
	if err := json.Unmarshal(optionsJSON, &creation); err != nil {
		t.Fatalf("decode creation options: %v", err)
	}
	publicKey, err := json.Marshal(creation.Response)
	if err != nil {
		t.Fatalf("encode public key options: %v", err)
	}
	options, err := virtualwebauthn.ParseAttestationOptions(string(publicKey))
	if err != nil {
		t.Fatalf("parse attestation options: %v", err)
	}
	return json.RawMessage(virtualwebauthn.CreateAttestationResponse(f.rp, *authenticator, *credential, *options))
}

func (f *apiFixture) assert(t *testing.T, optionsJSON []byte, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential) json.RawMessage {
	t.Helper()
	var assertion protocol.CredentialAssertion
	if err := json.Unmarshal(optionsJSON, &assertion); err != nil {
		t.Fatalf("decode assertion options: %v", err)
	}
	publicKey, err := json.Marshal(assertion.Response)
	if err != nil {
		t.Fatalf("encode public key options: %v", err)
	}
	options, err := virtualwebauthn.ParseAssertionOptions(string(publicKey))
	if err != nil {
		t.Fatalf("parse assertion options: %v", err)
	}
	return json.RawMessage(virtualwebauthn.CreateAssertionResponse(f.rp, *authenticator, *credential, *options))
}

// register runs a registration ceremony over HTTP, binding a fresh device
// key so the caller can mint channel tokens.
func (f *apiFixture) register(t *testing.T) registeredUser {
	t.Helper()

	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	jwk, err := json.Marshal(jose.JSONWebKey{Key: &deviceKey.PublicKey})
	if err != nil {
		t.Fatalf("marshal device jwk: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/auth/passkey/register/start", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("register start status = %d: %s", rr.Code, rr.Body.String())
	}
	start := decodeBody[startResponse](t, rr)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	response := f.attest(t, start.Options, &authenticator, &credential)

	rr = f.do(t, http.MethodPost, "/auth/passkey/register/finish", "", finishRequest{
		FlowID:          start.FlowID,
		Response:        response,
		DevicePublicKey: jwk,
		DeviceLabel:     "integration test",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("register finish status = %d: %s", rr.Code, rr.Body.String())
	}
	finish := decodeBody[finishResponse](t, rr)

	loginAuth := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte(finish.UserID),
	})
	loginAuth.AddCredential(credential)

	return registeredUser{
		userID:       finish.UserID,
		credentialID: finish.CredentialID,
		deviceID:     finish.DeviceID,
		deviceKey:    deviceKey,
		auth:         &loginAuth,
		credential:   &credential,
	}
}

func (u registeredUser) token(t *testing.T, audience devicetoken.Audience) string {
	t.Helper()
	token, err := devicetoken.Mint(u.userID, u.deviceID, u.deviceKey, audience, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestRegisterCeremonyOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)

	if !ids.IsUserID(registered.userID) {
		t.Fatalf("unexpected user id: %q", registered.userID)
	}
	if !ids.IsCredentialID(registered.credentialID) {
		t.Fatalf("unexpected credential id: %q", registered.credentialID)
	}
	if !ids.IsDeviceID(registered.deviceID) {
		t.Fatalf("unexpected device id: %q", registered.deviceID)
	}
}

func TestLoginCeremonyOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)

	rr := f.do(t, http.MethodPost, "/auth/passkey/login/start", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login start status = %d: %s", rr.Code, rr.Body.String())
	}
	start := decodeBody[startResponse](t, rr)

	registered.credential.Counter++
	response := f.assert(t, start.Options, registered.auth, registered.credential)

	rr = f.do(t, http.MethodPost, "/auth/passkey/login/finish", "", finishRequest{
		FlowID:   start.FlowID,
		Response: response,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login finish status = %d: %s", rr.Code, rr.Body.String())
	}
	finish := decodeBody[finishResponse](t, rr)
	if finish.UserID != registered.userID {
		t.Fatalf("login user = %q, want %q", finish.UserID, registered.userID)
	}
}

func TestLoginFinishRejectsReplayedFlow(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)

	rr := f.do(t, http.MethodPost, "/auth/passkey/login/start", "", nil)
	start := decodeBody[startResponse](t, rr)

	registered.credential.Counter++
	response := f.assert(t, start.Options, registered.auth, registered.credential)
	request := finishRequest{FlowID: start.FlowID, Response: response}

	if rr := f.do(t, http.MethodPost, "/auth/passkey/login/finish", "", request); rr.Code != http.StatusOK {
		t.Fatalf("first finish status = %d: %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/auth/passkey/login/finish", "", request)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rr); code != "CHALLENGE_INVALID" {
		t.Fatalf("replay code = %q, want CHALLENGE_INVALID", code)
	}
}

func TestPasskeyListRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/auth/passkeys", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if code := errorCode(t, rr); code != "UNAUTHENTICATED" {
		t.Fatalf("code = %q, want UNAUTHENTICATED", code)
	}
}

func TestWSAudienceTokenRejectedOnHTTP(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)

	rr := f.do(t, http.MethodGet, "/auth/passkeys", registered.token(t, devicetoken.AudienceWS), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if code := errorCode(t, rr); code != "AUDIENCE_MISMATCH" {
		t.Fatalf("code = %q, want AUDIENCE_MISMATCH", code)
	}
}

func TestPasskeyListAndRename(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)
	token := registered.token(t, devicetoken.AudienceHTTP)

	rr := f.do(t, http.MethodGet, "/auth/passkeys", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rr.Code, rr.Body.String())
	}
	views := decodeBody[[]passkeyView](t, rr)
	if len(views) != 1 {
		t.Fatalf("expected 1 passkey, got %d", len(views))
	}
	if views[0].ID != registered.credentialID {
		t.Fatalf("passkey id = %q, want %q", views[0].ID, registered.credentialID)
	}

	rr = f.do(t, http.MethodPatch, "/auth/passkeys/"+registered.credentialID, token, renameRequest{Name: "YubiKey 5C"})
	if rr.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rr.Code, rr.Body.String())
	}
	if ack := decodeBody[statusResponse](t, rr); ack.Status != "ok" {
		t.Fatalf("rename ack = %+v", ack)
	}

	rr = f.do(t, http.MethodGet, "/auth/passkeys", token, nil)
	views = decodeBody[[]passkeyView](t, rr)
	if views[0].Name != "YubiKey 5C" {
		t.Fatalf("passkey name = %q, want %q", views[0].Name, "YubiKey 5C")
	}
}

func TestRevokeLastPasskeyConflicts(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)
	token := registered.token(t, devicetoken.AudienceHTTP)

	rr := f.do(t, http.MethodPost, "/auth/passkeys/"+registered.credentialID+"/revoke", token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
	if code := errorCode(t, rr); code != "LAST_PASSKEY" {
		t.Fatalf("code = %q, want LAST_PASSKEY", code)
	}
}

func TestAddCredentialThenRevokeFirst(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)
	token := registered.token(t, devicetoken.AudienceHTTP)

	rr := f.do(t, http.MethodPost, "/auth/passkey/add/start", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("add start status = %d: %s", rr.Code, rr.Body.String())
	}
	start := decodeBody[startResponse](t, rr)

	authenticator := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte(registered.userID),
	})
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	response := f.attest(t, start.Options, &authenticator, &credential)

	rr = f.do(t, http.MethodPost, "/auth/passkey/add/finish", token, finishRequest{
		FlowID:   start.FlowID,
		Response: response,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("add finish status = %d: %s", rr.Code, rr.Body.String())
	}
	added := decodeBody[addFinishResponse](t, rr)
	if !ids.IsCredentialID(added.CredentialID) {
		t.Fatalf("unexpected credential id: %q", added.CredentialID)
	}

	rr = f.do(t, http.MethodPost, "/auth/passkeys/"+registered.credentialID+"/revoke", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDeviceListAndRevoke(t *testing.T) {
	f := newAPIFixture(t)
	registered := f.register(t)
	token := registered.token(t, devicetoken.AudienceHTTP)

	rr := f.do(t, http.MethodGet, "/auth/devices", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rr.Code, rr.Body.String())
	}
	views := decodeBody[[]deviceView](t, rr)
	if len(views) != 1 {
		t.Fatalf("expected 1 device, got %d", len(views))
	}
	if views[0].ID != registered.deviceID {
		t.Fatalf("device id = %q, want %q", views[0].ID, registered.deviceID)
	}

	rr = f.do(t, http.MethodPost, "/auth/devices/"+registered.deviceID+"/revoke", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d: %s", rr.Code, rr.Body.String())
	}

	// Tokens signed by the revoked device stop working immediately.
	rr = f.do(t, http.MethodGet, "/auth/devices", registered.token(t, devicetoken.AudienceHTTP), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status after revoke = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if code := errorCode(t, rr); code != "DEVICE_REVOKED" {
		t.Fatalf("code = %q, want DEVICE_REVOKED", code)
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.register(t)
	member := f.register(t)

	rr := f.do(t, http.MethodPost, "/auth/users/"+admin.userID+"/role", member.token(t, devicetoken.AudienceHTTP), roleRequest{Role: "admin"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	if code := errorCode(t, rr); code != "FORBIDDEN" {
		t.Fatalf("code = %q, want FORBIDDEN", code)
	}

	rr = f.do(t, http.MethodPost, "/auth/users/"+member.userID+"/role", admin.token(t, devicetoken.AudienceHTTP), roleRequest{Role: "admin"})
	if rr.Code != http.StatusOK {
		t.Fatalf("admin status = %d: %s", rr.Code, rr.Body.String())
	}

	promoted, err := f.store.GetUser(context.Background(), member.userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if promoted.Role != user.RoleAdmin {
		t.Fatalf("role = %q, want %q", promoted.Role, user.RoleAdmin)
	}
}

func TestAdminSetsScopes(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.register(t)
	member := f.register(t)

	rr := f.do(t, http.MethodPost, "/auth/users/"+member.userID+"/scopes", admin.token(t, devicetoken.AudienceHTTP), scopesRequest{Scopes: []string{"campaigns:write", "campaigns:read"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	updated, err := f.store.GetUser(context.Background(), member.userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !updated.HasScopes("campaigns:read", "campaigns:write") {
		t.Fatalf("scopes = %v", updated.Scopes)
	}
}

func TestInvalidJSONBodyRejected(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/passkey/register/finish", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rr); code != "INVALID_REQUEST" {
		t.Fatalf("code = %q, want INVALID_REQUEST", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/up", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}
