package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRPDisplayName = "Keyloom"

// Config controls WebAuthn relying party settings.
//
// The relying party identity and expected origins are read once and stay
// immutable for the process lifetime.
type Config struct {
	RPDisplayName string        `env:"KEYLOOM_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"KEYLOOM_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"KEYLOOM_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"KEYLOOM_WEBAUTHN_CHALLENGE_TTL"   envDefault:"60s"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
//
// The challenge TTL reflects expected human-interaction latency on an
// authenticator prompt, not a retry knob.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		// Fields that parsed cleanly stay set; the defaults below cover the rest.
		cfg.ChallengeTTL = 0
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = defaultRPDisplayName
	}
	if cfg.RPID == "" {
		cfg.RPID = "localhost"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 60 * time.Second
	}
	return cfg
}
