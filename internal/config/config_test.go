package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CREDITCORE_PG_DSN", "postgres://localhost/credits")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 1, cfg.Approval.MaxEscalations)
	assert.Equal(t, 72*time.Hour, cfg.Approval.DefaultPendingTTL)
	assert.True(t, cfg.Approval.DefaultRouteEnabled)
	assert.False(t, cfg.Approval.CancelRefund)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 100, cfg.Sweep.Batch)
	assert.Equal(t, 30*time.Second, cfg.Sweep.LockTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CREDITCORE_MEMORY_STORE", "true")
	t.Setenv("CREDITCORE_MAX_ESCALATIONS", "3")
	t.Setenv("CREDITCORE_SWEEP_INTERVAL", "15s")
	t.Setenv("CREDITCORE_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MemoryStore)
	assert.Equal(t, 3, cfg.Approval.MaxEscalations)
	assert.Equal(t, 15*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("CREDITCORE_PG_DSN=postgres://from-file/credits\nCREDITCORE_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("CREDITCORE_LOG_LEVEL", "warn")
	defer os.Unsetenv("CREDITCORE_PG_DSN")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-file/credits", cfg.PG.DSN)
	assert.Equal(t, "warn", cfg.LogLevel, "process environment wins over .env")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.PG.DSN = "postgres://x"
		c.Sweep.Interval, c.Sweep.Batch = time.Minute, 10
		c.Approval.DefaultPendingTTL = time.Hour
		c.Rate.PerSec, c.Rate.Burst = 1, 1
		return c
	}
	tests := map[string]func(*Config){
		"no store":             func(c *Config) { c.PG.DSN = "" },
		"zero interval":        func(c *Config) { c.Sweep.Interval = 0 },
		"zero batch":           func(c *Config) { c.Sweep.Batch = 0 },
		"negative escalations": func(c *Config) { c.Approval.MaxEscalations = -1 },
		"zero ttl":             func(c *Config) { c.Approval.DefaultPendingTTL = 0 },
		"lock without ttl":     func(c *Config) { c.Sweep.RedisAddr = "localhost:6379" },
		"zero rate":            func(c *Config) { c.Rate.PerSec = 0 },
	}
	base := valid()
	require.NoError(t, base.Validate())
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
