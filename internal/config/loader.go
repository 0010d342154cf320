package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file, expands ${ENV} references, applies the
// explicit environment overrides, and fills server-level defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides honors the env-tagged fields. Environment always
// beats the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FINGERPRINT_PEPPER"); v != "" {
		cfg.Fingerprint.ServerPepper = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime <= 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
}

// Hydrate pulls remote secrets into the config. It runs after Load and
// before Validate so a hydrated DSN satisfies the postgres driver
// check.
func Hydrate(ctx context.Context, cfg *Config) error {
	if !cfg.AWS.Enabled {
		return nil
	}

	if cfg.AWS.DatabaseDSNParameter != "" {
		loader, err := NewSSMLoader(ctx)
		if err != nil {
			return fmt.Errorf("failed to build SSM loader: %w", err)
		}
		dsn, err := loader.GetParameter(ctx, cfg.AWS.DatabaseDSNParameter, true)
		if err != nil {
			return fmt.Errorf("failed to hydrate database DSN: %w", err)
		}
		cfg.Database.DSN = dsn
	}

	if cfg.AWS.KeysSecret != "" {
		loader, err := NewAWSSecretsLoader(ctx)
		if err != nil {
			return fmt.Errorf("failed to build secrets loader: %w", err)
		}
		raw, err := loader.GetSecret(ctx, cfg.AWS.KeysSecret)
		if err != nil {
			return fmt.Errorf("failed to hydrate key material: %w", err)
		}
		keys := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return fmt.Errorf("failed to decode key material secret: %w", err)
		}
		if cfg.Keys.Static == nil {
			cfg.Keys.Static = map[string]string{}
		}
		for name, material := range keys {
			cfg.Keys.Static[name] = material
		}
	}

	return nil
}
