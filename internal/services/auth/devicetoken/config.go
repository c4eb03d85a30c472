package devicetoken

import (
	"time"

	"github.com/louisbranch/latchkey/internal/platform/config"
)

// Config controls token verification settings. The channel audience strings
// are fixed constants shared with clients; only the timing allowance varies
// per deployment.
type Config struct {
	ClockSkew time.Duration `env:"LATCHKEY_CLOCK_SKEW" envDefault:"5s"`
}

// LoadConfigFromEnv returns verifier configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	return cfg, nil
}
