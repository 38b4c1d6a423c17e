package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. FETCHD_SEMAPHORE_MAX_CONCURRENCY.
const EnvPrefix = "FETCHD_"

// Load builds the configuration: defaults, then the YAML file at path (skipped when path
// is empty), then environment overrides. A .env file in the working directory is loaded first
// if present. Validate is left to the caller so warnings can be logged.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional is Load but treats a missing file as "defaults only".
func LoadOptional(path string) (*AppConfig, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// ApplyEnv overrides cfg with FETCHD_-prefixed environment variables.
// Unset variables leave the current value alone.
func ApplyEnv(cfg *AppConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment config: %w", err)
	}
	return nil
}
