// Package ceremony orchestrates the WebAuthn challenge/response flows.
//
// Four ceremonies share the same two-step shape: start issues a single-use
// challenge, finish consumes it and verifies the authenticator response.
// Register creates an identity, login proves one, add-credential extends an
// authenticated identity, and revoke retires a credential under the
// last-passkey invariant.
package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/auth/device"
	"github.com/louisbranch/latchkey/internal/services/auth/ids"
	"github.com/louisbranch/latchkey/internal/services/auth/passkey"
	"github.com/louisbranch/latchkey/internal/services/auth/storage"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

// MaxCredentialNameLength bounds user-supplied credential names.
const MaxCredentialNameLength = 64

// StartResult carries a challenge back to the client.
type StartResult struct {
	// FlowID references the stored challenge on finish. It is opaque to the
	// client and distinct from the challenge bytes inside the options.
	FlowID string
	// OptionsJSON is the serialized credential creation or request options.
	OptionsJSON []byte
	// ExpiresAt is when the challenge stops being consumable.
	ExpiresAt time.Time
}

// FinishResult reports a completed register or login ceremony.
type FinishResult struct {
	UserID       string
	CredentialID string
	DeviceID     string
}

// CredentialSummary is the listing view of a stored credential.
type CredentialSummary struct {
	ID         string
	Name       string
	AAGUID     string
	Transports []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Engine runs WebAuthn ceremonies against the shared store.
//
// The engine holds no mutable state of its own; every flow round-trips
// through the challenge store so any replica can finish a ceremony another
// replica started.
type Engine struct {
	webAuthn    *webauthn.WebAuthn
	config      passkey.Config
	users       storage.UserStore
	credentials storage.CredentialStore
	challenges  storage.ChallengeStore
	devices     *device.Registry

	now       func() time.Time
	newFlowID func() (string, error)
}

// NewEngine builds a ceremony engine from the relying-party configuration
// and the backing stores.
func NewEngine(cfg passkey.Config, users storage.UserStore, credentials storage.CredentialStore, challenges storage.ChallengeStore, devices *device.Registry) (*Engine, error) {
	webAuthn, err := cfg.WebAuthn()
	if err != nil {
		return nil, err
	}
	return &Engine{
		webAuthn:    webAuthn,
		config:      cfg,
		users:       users,
		credentials: credentials,
		challenges:  challenges,
		devices:     devices,
		now:         time.Now,
		newFlowID:   id.NewID,
	}, nil
}

// WithClock overrides the engine clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// StartRegistration creates a fresh user and issues a registration
// challenge for it.
//
// The first user ever registered can be promoted to admin via
// configuration; every later user starts with the base role.
func (e *Engine) StartRegistration(ctx context.Context) (StartResult, error) {
	if err := e.ready(); err != nil {
		return StartResult{}, err
	}

	role := user.RoleUser
	if e.config.FirstUserIsAdmin {
		count, err := e.users.CountUsers(ctx)
		if err != nil {
			return StartResult{}, err
		}
		if count == 0 {
			role = user.RoleAdmin
		}
	}

	newUser, err := user.NewUser(role, e.now, nil)
	if err != nil {
		return StartResult{}, err
	}
	if err := e.users.PutUser(ctx, newUser); err != nil {
		return StartResult{}, err
	}

	creation, session, err := e.webAuthn.BeginRegistration(
		&webAuthnUser{user: newUser},
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return StartResult{}, fmt.Errorf("begin registration: %w", err)
	}

	return e.storeChallenge(ctx, passkey.CeremonyRegister, newUser.ID, creation, session)
}

// FinishRegistration verifies an attestation and stores the user's first
// credential. A device key, when supplied, is bound to the new user in the
// same step.
func (e *Engine) FinishRegistration(ctx context.Context, flowID string, response []byte, devicePublicKey, deviceLabel string) (FinishResult, error) {
	if err := e.ready(); err != nil {
		return FinishResult{}, err
	}

	challenge, session, err := e.consumeChallenge(ctx, flowID, passkey.CeremonyRegister)
	if err != nil {
		return FinishResult{}, err
	}
	owner, err := e.users.GetUser(ctx, challenge.UserID)
	if err != nil {
		return FinishResult{}, err
	}

	credential, err := e.verifyAttestation(ctx, owner, session, response)
	if err != nil {
		return FinishResult{}, err
	}

	credentialID, err := e.storeNewCredential(ctx, owner.ID, credential)
	if err != nil {
		return FinishResult{}, err
	}

	result := FinishResult{UserID: owner.ID, CredentialID: credentialID}
	if strings.TrimSpace(devicePublicKey) != "" {
		bound, err := e.devices.Register(ctx, owner.ID, devicePublicKey, deviceLabel)
		if err != nil {
			return FinishResult{}, err
		}
		result.DeviceID = bound.ID
	}
	return result, nil
}

// StartLogin issues a username-less login challenge. No credential
// allow-list is sent; the authenticator discovers the resident credential.
func (e *Engine) StartLogin(ctx context.Context) (StartResult, error) {
	if err := e.ready(); err != nil {
		return StartResult{}, err
	}

	assertion, session, err := e.webAuthn.BeginDiscoverableLogin()
	if err != nil {
		return StartResult{}, fmt.Errorf("begin login: %w", err)
	}

	return e.storeChallenge(ctx, passkey.CeremonyLogin, "", assertion, session)
}

// FinishLogin verifies an assertion against the stored credential, advances
// the signature counter, and optionally binds or rebinds a device key.
func (e *Engine) FinishLogin(ctx context.Context, flowID string, response []byte, devicePublicKey, deviceLabel string) (FinishResult, error) {
	if err := e.ready(); err != nil {
		return FinishResult{}, err
	}

	_, session, err := e.consumeChallenge(ctx, flowID, passkey.CeremonyLogin)
	if err != nil {
		return FinishResult{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeAssertionVerificationFailed, "assertion response is malformed", err)
	}

	stored, err := e.credentials.GetCredentialByExternalID(ctx, encodeExternalID(parsed.RawID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return FinishResult{}, apperrors.New(apperrors.CodeAssertionVerificationFailed, "credential is not registered")
		}
		return FinishResult{}, err
	}
	if !stored.Active() {
		return FinishResult{}, apperrors.New(apperrors.CodeCredentialRevoked, "credential has been revoked")
	}

	owner, err := e.users.GetUser(ctx, stored.UserID)
	if err != nil {
		return FinishResult{}, err
	}

	webUser, err := e.loadWebAuthnUser(ctx, owner)
	if err != nil {
		return FinishResult{}, err
	}
	// The login challenge was issued without a user; pin the session to the
	// credential owner before validating the assertion.
	session.UserID = webUser.WebAuthnID()

	validated, err := e.webAuthn.ValidateLogin(webUser, session, parsed)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeAssertionVerificationFailed, "assertion verification failed", err)
	}
	if validated.Authenticator.CloneWarning {
		return FinishResult{}, apperrors.WithMetadata(
			apperrors.CodeSignatureCounterRegression,
			"signature counter regressed",
			map[string]string{"CredentialID": stored.ID},
		)
	}

	credentialJSON, err := json.Marshal(validated)
	if err != nil {
		return FinishResult{}, fmt.Errorf("encode credential: %w", err)
	}
	if err := e.credentials.MarkCredentialUsed(ctx, stored.ID, validated.Authenticator.SignCount, e.now().UTC(), string(credentialJSON)); err != nil {
		return FinishResult{}, err
	}

	result := FinishResult{UserID: owner.ID, CredentialID: stored.ID}
	if strings.TrimSpace(devicePublicKey) != "" {
		bound, err := e.devices.Register(ctx, owner.ID, devicePublicKey, deviceLabel)
		if err != nil {
			return FinishResult{}, err
		}
		result.DeviceID = bound.ID
	}
	return result, nil
}

// StartAddCredential issues a registration challenge for an authenticated
// user, excluding their existing credentials so the same authenticator
// cannot enroll twice.
func (e *Engine) StartAddCredential(ctx context.Context, userID string) (StartResult, error) {
	if err := e.ready(); err != nil {
		return StartResult{}, err
	}

	owner, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return StartResult{}, err
	}
	webUser, err := e.loadWebAuthnUser(ctx, owner)
	if err != nil {
		return StartResult{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(webUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(webUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := e.webAuthn.BeginRegistration(webUser, options...)
	if err != nil {
		return StartResult{}, fmt.Errorf("begin add credential: %w", err)
	}

	return e.storeChallenge(ctx, passkey.CeremonyAddCredential, owner.ID, creation, session)
}

// FinishAddCredential verifies an attestation and stores an additional
// credential for the authenticated user.
func (e *Engine) FinishAddCredential(ctx context.Context, userID, flowID string, response []byte) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}

	challenge, session, err := e.consumeChallenge(ctx, flowID, passkey.CeremonyAddCredential)
	if err != nil {
		return "", err
	}
	// The flow must belong to the caller; a challenge started by another
	// user is treated as invalid, not as a distinct failure.
	if challenge.UserID != userID {
		return "", storage.ErrChallengeInvalid
	}

	owner, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	credential, err := e.verifyAttestation(ctx, owner, session, response)
	if err != nil {
		return "", err
	}
	return e.storeNewCredential(ctx, owner.ID, credential)
}

// ListCredentials returns the user's credentials for management views.
func (e *Engine) ListCredentials(ctx context.Context, userID string) ([]CredentialSummary, error) {
	records, err := e.credentials.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]CredentialSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, CredentialSummary{
			ID:         record.ID,
			Name:       record.Name,
			AAGUID:     record.AAGUID,
			Transports: splitTransports(record.Transports),
			CreatedAt:  record.CreatedAt,
			LastUsedAt: record.LastUsedAt,
			RevokedAt:  record.RevokedAt,
		})
	}
	return summaries, nil
}

// RenameCredential updates the display name of a user's credential.
func (e *Engine) RenameCredential(ctx context.Context, userID, credentialID, name string) error {
	name = strings.TrimSpace(name)
	if len(name) > MaxCredentialNameLength {
		return apperrors.WithMetadata(
			apperrors.CodeCredentialNameTooLong,
			"credential name is too long",
			map[string]string{"max": fmt.Sprintf("%d", MaxCredentialNameLength)},
		)
	}
	return e.credentials.RenameCredential(ctx, userID, credentialID, name)
}

// RevokeCredential retires a credential. The store enforces that at least
// one active credential remains.
func (e *Engine) RevokeCredential(ctx context.Context, userID, credentialID string) error {
	return e.credentials.RevokeCredential(ctx, userID, credentialID, e.now().UTC())
}

// SweepExpiredChallenges deletes challenges past their expiry. Consume
// already ignores them, so this is storage hygiene only.
func (e *Engine) SweepExpiredChallenges(ctx context.Context) (int64, error) {
	return e.challenges.DeleteExpiredChallenges(ctx, e.now().UTC())
}

func (e *Engine) ready() error {
	if e == nil || e.webAuthn == nil || e.users == nil || e.credentials == nil || e.challenges == nil || e.devices == nil {
		return fmt.Errorf("ceremony engine is not configured")
	}
	return nil
}

func (e *Engine) storeChallenge(ctx context.Context, ceremony passkey.Ceremony, userID string, options any, session *webauthn.SessionData) (StartResult, error) {
	if session == nil {
		return StartResult{}, fmt.Errorf("session data is required")
	}
	flowID, err := e.newFlowID()
	if err != nil {
		return StartResult{}, fmt.Errorf("new flow id: %w", err)
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return StartResult{}, fmt.Errorf("encode session: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return StartResult{}, fmt.Errorf("encode options: %w", err)
	}

	now := e.now().UTC()
	expiresAt := now.Add(e.config.ChallengeTTL)
	record := storage.Challenge{
		ID:          flowID,
		Ceremony:    string(ceremony),
		UserID:      userID,
		SessionJSON: string(sessionJSON),
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := e.challenges.PutChallenge(ctx, record); err != nil {
		return StartResult{}, err
	}

	return StartResult{FlowID: flowID, OptionsJSON: optionsJSON, ExpiresAt: expiresAt}, nil
}

func (e *Engine) consumeChallenge(ctx context.Context, flowID string, ceremony passkey.Ceremony) (storage.Challenge, webauthn.SessionData, error) {
	challenge, err := e.challenges.ConsumeChallenge(ctx, strings.TrimSpace(flowID), string(ceremony), e.now().UTC())
	if err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionJSON), &session); err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, fmt.Errorf("decode session: %w", err)
	}
	return challenge, session, nil
}

func (e *Engine) verifyAttestation(ctx context.Context, owner user.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error) {
	if len(response) == 0 {
		return nil, apperrors.New(apperrors.CodeAttestationVerificationFailed, "attestation response is required")
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAttestationVerificationFailed, "attestation response is malformed", err)
	}
	webUser, err := e.loadWebAuthnUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	credential, err := e.webAuthn.CreateCredential(webUser, session, parsed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAttestationVerificationFailed, "attestation verification failed", err)
	}
	return credential, nil
}

func (e *Engine) storeNewCredential(ctx context.Context, userID string, credential *webauthn.Credential) (string, error) {
	credentialID, err := ids.NewCredentialID()
	if err != nil {
		return "", fmt.Errorf("new credential id: %w", err)
	}
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}

	record := storage.Credential{
		ID:             credentialID,
		UserID:         userID,
		ExternalID:     encodeExternalID(credential.ID),
		CredentialJSON: string(credentialJSON),
		SignCount:      credential.Authenticator.SignCount,
		AAGUID:         formatAAGUID(credential.Authenticator.AAGUID),
		Transports:     joinTransports(credential.Transport),
		CreatedAt:      e.now().UTC(),
	}
	if err := e.credentials.PutCredential(ctx, record); err != nil {
		return "", err
	}
	return credentialID, nil
}

// webAuthnUser adapts a stored user and their credentials to the library's
// user contract.
type webAuthnUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.ID
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.ID
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (e *Engine) loadWebAuthnUser(ctx context.Context, base user.User) (*webAuthnUser, error) {
	records, err := e.credentials.ListCredentials(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		if !record.Active() {
			continue
		}
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.ID, err)
		}
		credentials = append(credentials, credential)
	}
	return &webAuthnUser{user: base, credentials: credentials}, nil
}

// encodeExternalID mirrors the browser encoding of authenticator credential
// ids.
func encodeExternalID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func formatAAGUID(raw []byte) string {
	if len(raw) != 16 {
		return ""
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16])
}

func joinTransports(transports []protocol.AuthenticatorTransport) string {
	if len(transports) == 0 {
		return ""
	}
	values := make([]string, 0, len(transports))
	for _, transport := range transports {
		values = append(values, string(transport))
	}
	return strings.Join(values, ",")
}

func splitTransports(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return strings.Split(value, ",")
}
