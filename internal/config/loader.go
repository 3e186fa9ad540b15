// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in snapshot timestamps.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig loads and validates the service configuration from the
// environment. It is called once from main; any error is fatal.
func LoadConfig() (*Config, error) {
	// Snapshot timestamps and pending-change cutovers are compared in UTC
	// everywhere; pin the process timezone so time.Now() agrees.
	time.Local = time.UTC
	os.Setenv("TZ", "UTC")

	// Load .env if present. Missing files are expected outside local dev.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(".env"); statErr == nil {
			return nil, fmt.Errorf("loading .env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the config struct against its validate tags plus
// cross-field rules that tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s failed rule %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Ledger.RetryMinWait > cfg.Ledger.RetryMaxWait {
		return fmt.Errorf("invalid config: LEDGER_TX_RETRY_MIN_WAIT (%s) exceeds LEDGER_TX_RETRY_MAX_WAIT (%s)",
			cfg.Ledger.RetryMinWait, cfg.Ledger.RetryMaxWait)
	}
	if cfg.Auth.DisableAuth && cfg.Environment != "local" {
		return fmt.Errorf("invalid config: DISABLE_AUTH is only honored when APP_ENV=local")
	}
	if !cfg.Auth.DisableAuth && cfg.Auth.APIKeyHashes == "" {
		return fmt.Errorf("invalid config: API_KEY_HASHES is required unless DISABLE_AUTH=true")
	}

	return nil
}
