package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/ratelimit"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"GISGATE_ADDR", "GISGATE_TLS", "GISGATE_ALLOWED_DIRS", "GISGATE_REDIS_ADDR", "GISGATE_LOG_LEVEL", "GISGATE_TOKEN"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "gisgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, "memory", cfg.Auth.FailureStore)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
addr: "[::1]:7000"
codec: json
idle_timeout: 90s
rate_limits:
  expensive:
    limit: 3
    window: 30s
tasks:
  workers: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:7000", cfg.Addr)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, time.Hour, cfg.Tasks.Retention)

	quotas, err := cfg.Quotas()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Quota{Limit: 3, Window: 30 * time.Second}, quotas[ratelimit.TierExpensive])
	assert.Equal(t, ratelimit.DefaultQuotas()[ratelimit.TierCheap], quotas[ratelimit.TierCheap])
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "adress: 127.0.0.1:1\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	dirs := []string{t.TempDir(), t.TempDir()}
	t.Setenv("GISGATE_ADDR", "localhost:1234")
	t.Setenv("GISGATE_TLS", "true")
	t.Setenv("GISGATE_ALLOWED_DIRS", dirs[0]+string(os.PathListSeparator)+dirs[1])
	t.Setenv("GISGATE_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("GISGATE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:1234", cfg.Addr)
	assert.True(t, cfg.TLS.Enabled)
	assert.Equal(t, dirs, cfg.AllowedDirs)
	assert.Equal(t, "redis", cfg.Auth.FailureStore)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestValidateRefusesNonLoopback(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:9876", "192.168.1.10:9876", "[::]:9876", "example.com:80"} {
		cfg := Default()
		cfg.Addr = addr
		assert.ErrorIs(t, cfg.Validate(), ErrNonLoopback, addr)
	}
	for _, addr := range []string{"127.0.0.1:0", "127.0.0.2:9876", "[::1]:9876", "LOCALHOST:1"} {
		cfg := Default()
		cfg.Addr = addr
		assert.NoError(t, cfg.Validate(), addr)
	}

	cfg := Default()
	cfg.AdminAddr = "0.0.0.0:8080"
	assert.ErrorIs(t, cfg.Validate(), ErrNonLoopback)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"codec":         func(c *Config) { c.Codec = "xml" },
		"store":         func(c *Config) { c.Auth.FailureStore = "etcd" },
		"redis no addr": func(c *Config) { c.Auth.FailureStore = "redis" },
		"tier":          func(c *Config) { c.RateLimits = map[string]ratelimit.Quota{"bogus": {Limit: 1, Window: time.Second}} },
		"quota":         func(c *Config) { c.RateLimits = map[string]ratelimit.Quota{"cheap": {Limit: 0, Window: time.Second}} },
		"tls version":   func(c *Config) { c.TLS = TLSConfig{Enabled: true, MinVersion: "1.0"} },
		"log level":     func(c *Config) { c.LogLevel = "loud" },
		"connections":   func(c *Config) { c.MaxConnections = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
