package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9090"
mysql:
  lock_wait: 3s
redis:
  enabled: false
sweeper:
  workers: 8
reservation:
  ttl: 15m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.MySQL.LockWait)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 8, cfg.Sweeper.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, Default().MySQL.DSN, cfg.MySQL.DSN, "unset keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "grpc_addr: \":6000\"\n")
	t.Setenv("TICKETING_GRPC_ADDR", ":7000")
	t.Setenv("TICKETING_MYSQL_TX_TIMEOUT", "9s")
	t.Setenv("TICKETING_REDIS_ENABLED", "false")
	t.Setenv("TICKETING_RESERVATION_MAX_ATTEMPTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.GRPCAddr)
	assert.Equal(t, 9*time.Second, cfg.MySQL.TxTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 2, cfg.Reservation.MaxAttempts)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("TICKETING_SWEEPER_WORKERS", "many")
	t.Setenv("TICKETING_CACHE_TTL", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TICKETING_SWEEPER_WORKERS")
	assert.Contains(t, err.Error(), "TICKETING_CACHE_TTL")
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "mysql: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty dsn", func(c *Config) { c.MySQL.DSN = "" }},
		{"lock wait below a second", func(c *Config) { c.MySQL.LockWait = 500 * time.Millisecond }},
		{"no tx timeout", func(c *Config) { c.MySQL.TxTimeout = 0 }},
		{"redis without addr", func(c *Config) { c.Redis.Addr = "" }},
		{"no sweeper workers", func(c *Config) { c.Sweeper.Workers = 0 }},
		{"no reservation ttl", func(c *Config) { c.Reservation.TTL = 0 }},
		{"no attempts", func(c *Config) { c.Reservation.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Redis.Enabled = false
	cfg.Redis.Addr = ""
	assert.NoError(t, cfg.Validate())
}
