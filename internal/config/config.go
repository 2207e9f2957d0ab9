package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lookup policy names accepted by ROLE_LOOKUP_POLICY. They mirror
// auth.LookupPolicy; config stays free of platform imports.
const (
	policyFailOpen   = "fail-open"
	policyFailClosed = "fail-closed"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	StorageS3     = "s3"
	StorageMemory = "memory"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	PrivilegedDatabaseURL string        `mapstructure:"PRIVILEGED_DATABASE_URL"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	SessionCookieName     string        `mapstructure:"SESSION_COOKIE_NAME"`
	RoleLookupPolicy      string        `mapstructure:"ROLE_LOOKUP_POLICY"`
	RoleLookupTimeout     time.Duration `mapstructure:"ROLE_LOOKUP_TIMEOUT"`
	StorageDriver         string        `mapstructure:"STORAGE_DRIVER"`
	StorageBucket         string        `mapstructure:"STORAGE_BUCKET"`
	StorageRegion         string        `mapstructure:"STORAGE_REGION"`
	StorageEndpoint       string        `mapstructure:"STORAGE_ENDPOINT"`
	SignedURLTTL          time.Duration `mapstructure:"SIGNED_URL_TTL"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SESSION_COOKIE_NAME", "rx-session")
	v.SetDefault("ROLE_LOOKUP_POLICY", policyFailOpen)
	v.SetDefault("ROLE_LOOKUP_TIMEOUT", "3s")
	v.SetDefault("STORAGE_DRIVER", StorageS3)
	v.SetDefault("STORAGE_BUCKET", "prescriptions")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("SIGNED_URL_TTL", "1h")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "PRIVILEGED_DATABASE_URL",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
		"SESSION_COOKIE_NAME", "ROLE_LOOKUP_POLICY", "ROLE_LOOKUP_TIMEOUT",
		"STORAGE_DRIVER", "STORAGE_BUCKET", "STORAGE_REGION", "STORAGE_ENDPOINT", "SIGNED_URL_TTL",
		"REDIS_URL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"REQUEST_TIMEOUT", "CORS_ORIGINS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.PrivilegedDatabaseURL == "" {
		cfg.PrivilegedDatabaseURL = cfg.DatabaseURL
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Tokens must be
// verifiable with either a shared secret or a JWKS endpoint; in production a
// JWKS setup must also pin the issuer.
func (c *Config) Validate() error {
	if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("one of AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set")
	}
	if c.IsProduction() && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set in production when tokens are verified via AUTH_JWKS_URL")
	}

	switch c.RoleLookupPolicy {
	case policyFailOpen, policyFailClosed:
	default:
		return fmt.Errorf("ROLE_LOOKUP_POLICY must be %q or %q, got %q",
			policyFailOpen, policyFailClosed, c.RoleLookupPolicy)
	}
	if c.RoleLookupTimeout <= 0 {
		return fmt.Errorf("ROLE_LOOKUP_TIMEOUT must be positive, got %s", c.RoleLookupTimeout)
	}

	switch c.StorageDriver {
	case StorageS3:
		if c.StorageBucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required when STORAGE_DRIVER is %q", StorageS3)
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_DRIVER %q is not allowed in production", StorageMemory)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageS3, StorageMemory, c.StorageDriver)
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive, got %s", c.SignedURLTTL)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
