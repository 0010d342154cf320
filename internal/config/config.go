package config

import (
	"fmt"
	"time"

	"github.com/ComUnity/audit-service/compliance"
	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/compliance/incident"
	"github.com/ComUnity/audit-service/internal/client"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/service"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/ComUnity/audit-service/pkg/security"
)

// Config aggregates every tunable of the service. Component packages
// own their config types and clamp their own defaults; this package
// only assembles, loads, and validates them.
type Config struct {
	Env    string        `yaml:"env" env:"APP_ENV"`
	Server ServerConfig  `yaml:"server"`
	Logger logger.Config `yaml:"logger"`

	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	Shipper   telemetry.ShipperConfig   `yaml:"shipper"`
	ESShipper telemetry.ESShipperConfig `yaml:"es_shipper"`
	Indexer   telemetry.IndexerConfig   `yaml:"indexer"`

	Keys  security.KeysConfig `yaml:"keys"`
	Token util.TokenConfig    `yaml:"token"`
	AWS   AWSConfig           `yaml:"aws"`

	Audit     audit.RecorderConfig     `yaml:"audit"`
	Verifier  audit.VerifierConfig     `yaml:"verifier"`
	Detector  incident.DetectorConfig  `yaml:"detector"`
	Responder incident.ResponderConfig `yaml:"responder"`
	Retention compliance.SweeperConfig `yaml:"retention"`

	OTP     service.OTPConfig     `yaml:"otp"`
	MFA     service.MFAConfig     `yaml:"mfa"`
	Session service.SessionConfig `yaml:"session"`

	Fingerprint middleware.FingerprintConfig `yaml:"fingerprint"`
	RateLimit   middleware.LimiterConfig     `yaml:"rate_limit"`
}

// ServerConfig holds the HTTP listener tunables.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default 15s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default 30s
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // default 60s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default 15s
}

// DatabaseConfig selects and tunes the persistent store. Driver is
// postgres or memory; the memory driver backs development and tests.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"`    // default 25
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // default 5
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // default 30m
}

// RedisConfig gates the Redis-backed security store. Disabled, the
// in-process memory store takes its place.
type RedisConfig struct {
	Enabled bool `yaml:"enabled"`

	client.RedisConfig `yaml:",inline"`
}

// AWSConfig names the remote parameters hydrated into the config at
// boot. Empty names skip their lookup.
type AWSConfig struct {
	Enabled bool `yaml:"enabled"`

	// DatabaseDSNParameter is the SSM parameter holding the Postgres
	// DSN, stored encrypted.
	DatabaseDSNParameter string `yaml:"database_dsn_parameter"`

	// KeysSecret is the Secrets Manager secret holding a JSON map of
	// key names to base64 key material, merged into keys.static.
	KeysSecret string `yaml:"keys_secret"`
}

// Validate rejects configurations main cannot start with. Component
// defaults are applied by their constructors, not here.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.Keys.Source {
	case "", "static", "kms":
	default:
		return fmt.Errorf("config: unknown keys.source %q", c.Keys.Source)
	}
	return nil
}
