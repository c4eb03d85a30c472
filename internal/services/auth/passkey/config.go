// Package passkey holds WebAuthn relying-party configuration.
package passkey

import (
	"log"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/latchkey/internal/platform/config"
	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
)

// Ceremony identifies the purpose of an issued challenge.
type Ceremony string

const (
	CeremonyRegister      Ceremony = "register"
	CeremonyLogin         Ceremony = "login"
	CeremonyAddCredential Ceremony = "add_credential"
)

// Mode selects how strictly configuration is validated at startup.
type Mode string

const (
	// ModeStrict refuses to start without an explicit relying party.
	ModeStrict Mode = "strict"
	// ModePermissive substitutes local-development defaults with a warning.
	ModePermissive Mode = "permissive"
)

const (
	defaultRPID    = "localhost"
	defaultOrigin  = "http://localhost:8080"
	defaultTTL     = 300 * time.Second
	defaultRPName  = "Latchkey"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	Mode             Mode          `env:"LATCHKEY_MODE"                  envDefault:"permissive"`
	RPDisplayName    string        `env:"LATCHKEY_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID             string        `env:"LATCHKEY_WEBAUTHN_RP_ID"`
	RPOrigins        []string      `env:"LATCHKEY_WEBAUTHN_RP_ORIGINS"   envSeparator:","`
	ChallengeTTL     time.Duration `env:"LATCHKEY_WEBAUTHN_CHALLENGE_TTL" envDefault:"300s"`
	UserVerification string        `env:"LATCHKEY_WEBAUTHN_USER_VERIFICATION" envDefault:"preferred"`
	Attestation      string        `env:"LATCHKEY_WEBAUTHN_ATTESTATION"  envDefault:"none"`
	FirstUserIsAdmin bool          `env:"LATCHKEY_FIRST_USER_IS_ADMIN"   envDefault:"false"`
}

// LoadConfigFromEnv returns passkey configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.Normalize()
}

// Normalize validates the config and fills development defaults.
//
// In strict mode a missing relying-party id or origin is a hard startup
// error; permissive mode substitutes localhost values and logs a warning so
// local development works out of the box.
func (cfg Config) Normalize() (Config, error) {
	cfg.RPID = strings.TrimSpace(cfg.RPID)
	cfg.RPDisplayName = strings.TrimSpace(cfg.RPDisplayName)
	if cfg.Mode != ModeStrict {
		cfg.Mode = ModePermissive
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultTTL
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = defaultRPName
	}

	origins := make([]string, 0, len(cfg.RPOrigins))
	for _, origin := range cfg.RPOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.RPOrigins = origins

	if cfg.Mode == ModeStrict {
		if cfg.RPID == "" {
			return Config{}, apperrors.New(apperrors.CodeConfigurationError, "LATCHKEY_WEBAUTHN_RP_ID is required in strict mode")
		}
		if len(cfg.RPOrigins) == 0 {
			return Config{}, apperrors.New(apperrors.CodeConfigurationError, "LATCHKEY_WEBAUTHN_RP_ORIGINS is required in strict mode")
		}
		return cfg, nil
	}

	if cfg.RPID == "" {
		log.Printf("webauthn: using %q as relying party id; set LATCHKEY_WEBAUTHN_RP_ID for production", defaultRPID)
		cfg.RPID = defaultRPID
	}
	if len(cfg.RPOrigins) == 0 {
		log.Printf("webauthn: using %q as relying party origin; set LATCHKEY_WEBAUTHN_RP_ORIGINS for production", defaultOrigin)
		cfg.RPOrigins = []string{defaultOrigin}
	}
	return cfg, nil
}

// UserVerificationRequirement maps the configured policy to the protocol enum.
func (cfg Config) UserVerificationRequirement() protocol.UserVerificationRequirement {
	switch strings.TrimSpace(cfg.UserVerification) {
	case "required":
		return protocol.VerificationRequired
	case "discouraged":
		return protocol.VerificationDiscouraged
	default:
		return protocol.VerificationPreferred
	}
}

// AttestationPreference maps the configured policy to the protocol enum.
func (cfg Config) AttestationPreference() protocol.ConveyancePreference {
	switch strings.TrimSpace(cfg.Attestation) {
	case "indirect":
		return protocol.PreferIndirectAttestation
	case "direct":
		return protocol.PreferDirectAttestation
	default:
		return protocol.PreferNoAttestation
	}
}

// WebAuthn builds the relying-party handle used by the ceremony engine.
func (cfg Config) WebAuthn() (*webauthn.WebAuthn, error) {
	handle, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		AttestationPreference: cfg.AttestationPreference(),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: cfg.UserVerificationRequirement(),
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: cfg.ChallengeTTL,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: cfg.ChallengeTTL,
			},
		},
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigurationError, "configure webauthn relying party", err)
	}
	return handle, nil
}
