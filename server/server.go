// Package server runs the request pipeline in front of a single-threaded
// host: framing, schema validation, authentication, rate limiting, path and
// sandbox checks, then dispatch to the host loop or the task executor.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/gisgate-go/auth"
	"github.com/machinefabric/gisgate-go/cache"
	"github.com/machinefabric/gisgate-go/config"
	"github.com/machinefabric/gisgate-go/hostloop"
	"github.com/machinefabric/gisgate-go/pathguard"
	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/sandbox"
	"github.com/machinefabric/gisgate-go/schema"
	"github.com/machinefabric/gisgate-go/tasks"
	"github.com/machinefabric/gisgate-go/wire"
)

const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMaxConnections = 10
	Version               = "2.0.0"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// Option configures a Server.
type Option func(*Server)

func WithCodec(c wire.Codec) Option                  { return func(s *Server) { s.codec = c } }
func WithAuthenticator(a *auth.Authenticator) Option { return func(s *Server) { s.auth = a } }
func WithLimiter(l *ratelimit.Limiter) Option        { return func(s *Server) { s.limiter = l } }
func WithPathGuard(g *pathguard.Guard) Option        { return func(s *Server) { s.paths = g } }
func WithSandboxPolicy(p *sandbox.Policy) Option     { return func(s *Server) { s.policy = p } }
func WithExecutor(e *tasks.Executor) Option          { return func(s *Server) { s.tasks = e } }
func WithCache(c *cache.Cache) Option                { return func(s *Server) { s.cache = c } }
func WithLoop(l *hostloop.Loop) Option               { return func(s *Server) { s.loop = l } }

// WithTLS serves every connection over TLS.
func WithTLS(cfg *tls.Config) Option { return func(s *Server) { s.tlsConfig = cfg } }

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) Option { return func(s *Server) { s.idleTimeout = d } }

// WithMaxConnections bounds concurrent connections; extra accepts are closed.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithMaxFrameSize lowers the frame ceiling below wire.MaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		if n > 0 && n <= wire.MaxFrameSize {
			s.maxFrame = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option { return func(s *Server) { s.logger = logger } }

// Server owns the pipeline components. Only the limiter, cache, executor and
// authenticator are shared between connections.
type Server struct {
	codec     wire.Codec
	validator *schema.Validator
	methods   map[string]*method
	auth      *auth.Authenticator
	limiter   *ratelimit.Limiter
	paths     *pathguard.Guard
	policy    *sandbox.Policy
	sandbox   *sandbox.Evaluator
	tasks     *tasks.Executor
	cache     *cache.Cache
	loop      *hostloop.Loop
	host      hostloop.Host
	layers    *layerIndex

	tlsConfig   *tls.Config
	idleTimeout time.Duration
	maxConns    int
	maxFrame    int
	logger      *slog.Logger
	started     time.Time
	closers     []func() error

	baseCtx context.Context
	stop    context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	active   atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	requests atomic.Int64
	errMu    sync.Mutex
	errors   map[string]int64
}

// New builds a server in front of host. Components not supplied by options
// are created with their defaults; the default path allowlist is the home,
// working and temp directories.
func New(host hostloop.Host, opts ...Option) (*Server, error) {
	s := &Server{
		codec:       wire.CBOR(),
		idleTimeout: DefaultIdleTimeout,
		maxConns:    DefaultMaxConnections,
		maxFrame:    wire.MaxFrameSize,
		logger:      slog.Default(),
		layers:      newLayerIndex(),
		listeners:   make(map[net.Listener]struct{}),
		conns:       make(map[*conn]struct{}),
		errors:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.auth == nil {
		if s.auth, err = auth.New(auth.WithLogger(s.logger)); err != nil {
			return nil, err
		}
	}
	if s.paths == nil {
		if s.paths, err = pathguard.New(pathguard.DefaultRoots(), pathguard.WithLogger(s.logger)); err != nil {
			return nil, err
		}
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.WithLogger(s.logger))
	}
	if s.loop == nil {
		s.loop = hostloop.New(hostloop.WithLogger(s.logger))
	}
	if s.tasks == nil {
		s.tasks = tasks.New(tasks.WithLogger(s.logger))
	}
	if s.cache == nil {
		s.cache = cache.New(cache.WithLogger(s.logger))
	}
	if s.policy == nil {
		s.policy = sandbox.DefaultPolicy()
	}
	s.host = hostloop.Bind(s.loop, host)
	s.sandbox = sandbox.New(s.policy,
		sandbox.WithBinding("project", newProject(s.host)),
		sandbox.WithLogger(s.logger),
	)

	if s.validator, err = schema.NewValidator(); err != nil {
		return nil, err
	}
	s.methods = make(map[string]*method)
	for _, m := range s.catalog() {
		if m.params != nil {
			if err := s.validator.RegisterParams(m.name, m.params); err != nil {
				return nil, err
			}
		}
		m.tier = ratelimit.TierFor(m.name)
		s.methods[m.name] = m
	}

	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.started = time.Now()
	return s, nil
}

// Authenticator exposes the authenticator, e.g. to print the token.
func (s *Server) Authenticator() *auth.Authenticator { return s.auth }

// Task returns a task's status without marking its result delivered.
func (s *Server) Task(id string) (tasks.Snapshot, error) { return s.tasks.Peek(id) }

// ListenAndServe listens on a loopback addr and serves until ctx ends or
// Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := config.CheckLoopback(addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Listeners bound to a non-loopback address
// are refused.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := config.CheckLoopback(ln.Addr().String()); err != nil {
		ln.Close()
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.baseCtx.Done():
		}
		ln.Close()
	}()
	go s.limiter.Run(ctx, ratelimit.DefaultSweepEvery)
	go s.tasks.Run(ctx)

	s.logger.Info("listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			delete(s.listeners, ln)
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if int(s.active.Load()) >= s.maxConns {
			s.rejected.Add(1)
			s.logger.Warn("connection limit reached, closing", "client", clientID(nc.RemoteAddr()), "max", s.maxConns)
			nc.Close()
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.mu.Unlock()

		s.active.Add(1)
		s.accepted.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			s.serveConn(nc)
		}()
	}
}

// Close stops accepting, closes every connection, cancels in-flight work and
// waits for connection goroutines. The executor and host loop are closed
// too.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	s.tasks.Close()
	s.loop.Close()
	var errs []error
	for _, fn := range s.closers {
		errs = append(errs, fn())
	}
	s.logger.Info("server closed")
	return errors.Join(errs...)
}

func (s *Server) track(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[c] = struct{}{}
		return true
	}
	delete(s.conns, c)
	return true
}

func (s *Server) countError(code string) {
	s.errMu.Lock()
	s.errors[code]++
	s.errMu.Unlock()
}

// clientID identifies a caller by remote IP. Every local process shares the
// loopback address, so the id groups per-host rather than per-process.
func clientID(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
