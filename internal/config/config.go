// Package config loads runtime settings from the environment, optionally
// seeded from a local .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	AuthURL          string `env:"BETTER_AUTH_URL,default=http://localhost:3000"`
	JWKSPath         string `env:"JWKS_PATH,default=/api/auth/jwks"`
	ClockSkewSeconds int    `env:"CLOCK_SKEW_SECONDS,default=30"`
	JWKSCacheSeconds int    `env:"JWKS_CACHE_SECONDS,default=3600"`
	JWKSTimeoutSecs  int    `env:"JWKS_TIMEOUT_SECONDS,default=5"`

	AllowedOriginsRaw string `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`

	HTTPAddr    string `env:"HTTP_ADDR,default=:8000"`
	GRPCAddr    string `env:"GRPC_ADDR"`
	AutoMigrate bool   `env:"AUTO_MIGRATE,default=true"`

	RateLimitBurst     int     `env:"RATE_LIMIT_BURST,default=50"`
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND,default=20"`
}

// Load reads .env when present, then decodes the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.AuthURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BETTER_AUTH_URL must be an absolute URL, got %q", c.AuthURL)
	}
	if !strings.HasPrefix(c.JWKSPath, "/") {
		return fmt.Errorf("JWKS_PATH must start with /, got %q", c.JWKSPath)
	}
	switch {
	case c.ClockSkewSeconds < 0:
		return errors.New("CLOCK_SKEW_SECONDS must not be negative")
	case c.JWKSCacheSeconds <= 0:
		return errors.New("JWKS_CACHE_SECONDS must be positive")
	case c.JWKSTimeoutSecs <= 0:
		return errors.New("JWKS_TIMEOUT_SECONDS must be positive")
	case c.RateLimitBurst <= 0 || c.RateLimitPerSecond <= 0:
		return errors.New("rate limit settings must be positive")
	}
	return nil
}

// JWKSURL is where the identity provider publishes its signing keys.
func (c Config) JWKSURL() string {
	return strings.TrimRight(c.AuthURL, "/") + c.JWKSPath
}

func (c Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

func (c Config) JWKSLifespan() time.Duration {
	return time.Duration(c.JWKSCacheSeconds) * time.Second
}

func (c Config) JWKSTimeout() time.Duration {
	return time.Duration(c.JWKSTimeoutSecs) * time.Second
}

// AllowedOrigins splits ALLOWED_ORIGINS on commas, dropping blanks.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOriginsRaw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
