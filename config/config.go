// Package config loads the gateway configuration from YAML with environment
// overrides.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/sandbox"
)

const (
	DefaultAddr           = "127.0.0.1:9876"
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMaxConnections = 10
	DefaultRedisPrefix    = "gisgate:authfail:"
)

// ErrNonLoopback is returned when a listen address is not on the loopback
// interface.
var ErrNonLoopback = errors.New("listen address must be a loopback address")

type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

type AuthConfig struct {
	Token        string        `yaml:"token"`
	FailureStore string        `yaml:"failure_store"`
	MaxFailures  int           `yaml:"max_failures"`
	Window       time.Duration `yaml:"window"`
	LockoutBase  time.Duration `yaml:"lockout_base"`
	LockoutCap   time.Duration `yaml:"lockout_cap"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type TasksConfig struct {
	Workers    int           `yaml:"workers"`
	MaxBacklog int           `yaml:"max_backlog"`
	Timeout    time.Duration `yaml:"timeout"`
	Retention  time.Duration `yaml:"retention"`
}

type CacheConfig struct {
	BudgetBytes int64 `yaml:"budget_bytes"`
}

// Config is the whole gateway configuration.
type Config struct {
	Addr           string                     `yaml:"addr"`
	AdminAddr      string                     `yaml:"admin_addr"`
	Codec          string                     `yaml:"codec"`
	MaxFrameSize   uint32                     `yaml:"max_frame_size"`
	IdleTimeout    time.Duration              `yaml:"idle_timeout"`
	MaxConnections int                        `yaml:"max_connections"`
	AllowedDirs    []string                   `yaml:"allowed_dirs"`
	LogLevel       string                     `yaml:"log_level"`
	TLS            TLSConfig                  `yaml:"tls"`
	Auth           AuthConfig                 `yaml:"auth"`
	Redis          RedisConfig                `yaml:"redis"`
	RateLimits     map[string]ratelimit.Quota `yaml:"rate_limits"`
	Tasks          TasksConfig                `yaml:"tasks"`
	Cache          CacheConfig                `yaml:"cache"`
	Sandbox        sandbox.PolicyConfig       `yaml:"sandbox"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:           DefaultAddr,
		Codec:          "cbor",
		MaxFrameSize:   10 * 1024 * 1024,
		IdleTimeout:    DefaultIdleTimeout,
		MaxConnections: DefaultMaxConnections,
		LogLevel:       "info",
		TLS:            TLSConfig{MinVersion: "1.2"},
		Auth: AuthConfig{
			FailureStore: "memory",
			MaxFailures:  5,
			Window:       5 * time.Minute,
			LockoutBase:  2 * time.Second,
			LockoutCap:   time.Minute,
		},
		Redis: RedisConfig{Prefix: DefaultRedisPrefix},
		Tasks: TasksConfig{
			Workers:    2,
			MaxBacklog: 1000,
			Timeout:    5 * time.Minute,
			Retention:  time.Hour,
		},
		Cache:   CacheConfig{BudgetBytes: 64 << 20},
		Sandbox: sandbox.DefaultPolicyConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GISGATE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GISGATE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("GISGATE_TLS"); v != "" {
		c.TLS.Enabled = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := os.Getenv("GISGATE_ALLOWED_DIRS"); v != "" {
		c.AllowedDirs = filepath.SplitList(v)
	}
	if v := os.Getenv("GISGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Auth.FailureStore = "redis"
	}
	if v := os.Getenv("GISGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GISGATE_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// Validate checks the configuration. Any non-loopback listen address is
// refused.
func (c *Config) Validate() error {
	if err := CheckLoopback(c.Addr); err != nil {
		return err
	}
	if c.AdminAddr != "" {
		if err := CheckLoopback(c.AdminAddr); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}
	switch c.Codec {
	case "cbor", "json":
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	switch c.Auth.FailureStore {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("auth.failure_store is redis but redis.addr is empty")
		}
	default:
		return fmt.Errorf("unknown auth.failure_store %q", c.Auth.FailureStore)
	}
	if c.TLS.Enabled {
		if _, err := c.TLS.Version(); err != nil {
			return err
		}
	}
	if _, err := c.Quotas(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	return nil
}

// CheckLoopback returns ErrNonLoopback unless addr's host is localhost or a
// loopback IP.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNonLoopback, addr)
}

// Quotas merges rate_limits over the default quotas.
func (c *Config) Quotas() (map[ratelimit.Tier]ratelimit.Quota, error) {
	quotas := ratelimit.DefaultQuotas()
	for name, q := range c.RateLimits {
		tier, err := ratelimit.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("rate_limits: %w", err)
		}
		if q.Limit <= 0 || q.Window <= 0 {
			return nil, fmt.Errorf("rate_limits.%s: limit and window must be positive", name)
		}
		quotas[tier] = q
	}
	return quotas, nil
}

// Version maps min_version to a crypto/tls constant.
func (t TLSConfig) Version() (uint16, error) {
	switch t.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("tls.min_version %q: want 1.2 or 1.3", t.MinVersion)
}

// ParseLevel maps a log level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
