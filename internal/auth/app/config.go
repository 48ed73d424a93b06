package app

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server-level settings read from the environment.
// Relying-party settings live in passkey.Config and are loaded separately.
type Config struct {
	HTTPAddr        string        `env:"KEYLOOM_HTTP_ADDR" envDefault:":8080"`
	DBPath          string        `env:"KEYLOOM_DB_PATH" envDefault:"data/keyloom.db"`
	CleanupInterval time.Duration `env:"KEYLOOM_CLEANUP_INTERVAL" envDefault:"1m"`
}

// LoadConfigFromEnv reads server configuration, falling back to defaults
// for anything unset or unparseable.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		cfg.CleanupInterval = 0
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/keyloom.db"
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return cfg
}
