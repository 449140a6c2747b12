package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Boot flags recognized outside the BRIDGE_ namespace. Presence counts, not
// value, so DISABLE_AUTOSTART=anything skips auto-start.
const (
	flagDisableAutoStart = "DISABLE_AUTOSTART"
	flagForceAutoStart   = "FORCE_AUTOSTART"
	flagVerbose          = "VERBOSE"
)

// FromEnv loads configuration from the process environment, with a
// best-effort .env file for development. Precedence: environment variables,
// then .env entries, then defaults.
func FromEnv() (Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg.AutoStart = policyFromFlags()
	_, cfg.Verbose = os.LookupEnv(flagVerbose)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// policyFromFlags maps the boot flags onto an AutoStartPolicy. Force wins
// over disable so operators can override a baked-in suppression.
func policyFromFlags() AutoStartPolicy {
	if _, ok := os.LookupEnv(flagForceAutoStart); ok {
		return AutoStartAlways
	}
	if _, ok := os.LookupEnv(flagDisableAutoStart); ok {
		return AutoStartNever
	}
	return AutoStartSkipIfInteractive
}
