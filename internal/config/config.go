// Package config loads creditd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. CREDITCORE_HTTP_ADDR.
const Prefix = "CREDITCORE"

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	PG struct {
		DSN      string        `envconfig:"PG_DSN"`
		Failures uint32        `envconfig:"PG_BREAKER_FAILURES" default:"5"`
		Cooldown time.Duration `envconfig:"PG_BREAKER_COOLDOWN" default:"30s"`
	}
	MemoryStore bool `envconfig:"MEMORY_STORE" default:"false"`

	Auth struct {
		// Secret enables bearer tokens; empty selects header identity.
		Secret string `envconfig:"AUTH_SECRET"`
		Issuer string `envconfig:"AUTH_ISSUER" default:"creditcore"`
	}

	Approval struct {
		MaxEscalations      int           `envconfig:"MAX_ESCALATIONS" default:"1"`
		DefaultPendingTTL   time.Duration `envconfig:"DEFAULT_PENDING_TTL" default:"72h"`
		DefaultRouteEnabled bool          `envconfig:"DEFAULT_ROUTE_ENABLED" default:"true"`
		CancelRefund        bool          `envconfig:"CANCEL_REFUND" default:"false"`
	}

	Sweep struct {
		Interval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
		Batch     int           `envconfig:"SWEEP_BATCH" default:"100"`
		RedisAddr string        `envconfig:"REDIS_ADDR"`
		LockKey   string        `envconfig:"SWEEP_LOCK_KEY" default:"creditcore:sweep"`
		LockTTL   time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"30s"`
	}

	Rate struct {
		PerSec float64 `envconfig:"RATE_PER_SEC" default:"20"`
		Burst  int     `envconfig:"RATE_BURST" default:"50"`
	}

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// Load reads an optional .env file from the working directory and then the
// CREDITCORE_* variables. Variables already set win over the file.
func Load() (*Config, error) {
	if err := loadEnvIfExists(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvIfExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}

// Validate rejects settings creditd cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PG.DSN == "" && !c.MemoryStore {
		errs = append(errs, errors.New("CREDITCORE_PG_DSN is required unless CREDITCORE_MEMORY_STORE is set"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("CREDITCORE_SWEEP_INTERVAL must be positive"))
	}
	if c.Sweep.Batch <= 0 {
		errs = append(errs, errors.New("CREDITCORE_SWEEP_BATCH must be positive"))
	}
	if c.Sweep.RedisAddr != "" && c.Sweep.LockTTL <= 0 {
		errs = append(errs, errors.New("CREDITCORE_SWEEP_LOCK_TTL must be positive"))
	}
	if c.Approval.MaxEscalations < 0 {
		errs = append(errs, errors.New("CREDITCORE_MAX_ESCALATIONS must not be negative"))
	}
	if c.Approval.DefaultPendingTTL <= 0 {
		errs = append(errs, errors.New("CREDITCORE_DEFAULT_PENDING_TTL must be positive"))
	}
	if c.Rate.PerSec <= 0 || c.Rate.Burst <= 0 {
		errs = append(errs, errors.New("CREDITCORE_RATE_PER_SEC and CREDITCORE_RATE_BURST must be positive"))
	}
	return errors.Join(errs...)
}
