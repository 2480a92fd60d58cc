package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/machinefabric/gisgate-go/auth"
	"github.com/machinefabric/gisgate-go/cache"
	"github.com/machinefabric/gisgate-go/config"
	"github.com/machinefabric/gisgate-go/hostloop"
	"github.com/machinefabric/gisgate-go/pathguard"
	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/sandbox"
	"github.com/machinefabric/gisgate-go/tasks"
	"github.com/machinefabric/gisgate-go/wire"
)

// FromConfig wires every component from cfg. The Redis client, when the
// failure store is redis, is closed by Server.Close.
func FromConfig(ctx context.Context, cfg config.Config, host hostloop.Host, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	authOpts := []auth.Option{
		auth.WithLockout(cfg.Auth.MaxFailures, cfg.Auth.Window, cfg.Auth.LockoutBase, cfg.Auth.LockoutCap),
		auth.WithLogger(logger),
	}
	if cfg.Auth.Token != "" {
		authOpts = append(authOpts, auth.WithToken(cfg.Auth.Token))
	}
	var closers []func() error
	if cfg.Auth.FailureStore == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect redis failure store: %w", err)
		}
		authOpts = append(authOpts, auth.WithFailureStore(auth.NewRedisFailureStore(rdb, cfg.Redis.Prefix)))
		closers = append(closers, rdb.Close)
	}
	authenticator, err := auth.New(authOpts...)
	if err != nil {
		return nil, err
	}

	roots := cfg.AllowedDirs
	if len(roots) == 0 {
		roots = pathguard.DefaultRoots()
	}
	guard, err := pathguard.New(roots, pathguard.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	quotas, err := cfg.Quotas()
	if err != nil {
		return nil, err
	}
	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	for tier, q := range quotas {
		limiterOpts = append(limiterOpts, ratelimit.WithQuota(tier, q))
	}

	codec := wire.CBOR()
	if cfg.Codec == "json" {
		codec = wire.JSON()
	}

	opts := []Option{
		WithCodec(codec),
		WithAuthenticator(authenticator),
		WithPathGuard(guard),
		WithLimiter(ratelimit.New(limiterOpts...)),
		WithSandboxPolicy(sandbox.NewPolicy(cfg.Sandbox)),
		WithExecutor(tasks.New(
			tasks.WithWorkers(cfg.Tasks.Workers),
			tasks.WithMaxBacklog(cfg.Tasks.MaxBacklog),
			tasks.WithDefaultTimeout(cfg.Tasks.Timeout),
			tasks.WithRetention(cfg.Tasks.Retention),
			tasks.WithLogger(logger),
		)),
		WithCache(cache.New(cache.WithBudget(cfg.Cache.BudgetBytes), cache.WithLogger(logger))),
		WithLoop(hostloop.New(hostloop.WithLogger(logger))),
		WithIdleTimeout(cfg.IdleTimeout),
		WithMaxConnections(cfg.MaxConnections),
		WithMaxFrameSize(int(cfg.MaxFrameSize)),
		WithLogger(logger),
		withClosers(closers...),
	}
	if cfg.TLS.Enabled {
		version, err := cfg.TLS.Version()
		if err != nil {
			return nil, err
		}
		tlsConfig, err := TLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, version)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLS(tlsConfig))
	}
	return New(host, opts...)
}

func withClosers(fns ...func() error) Option {
	return func(s *Server) { s.closers = append(s.closers, fns...) }
}
