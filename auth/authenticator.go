// Package auth verifies per-connection credentials against a rotating secret
// and locks out clients that keep presenting bad ones.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/machinefabric/gisgate-go/fault"
)

const (
	DefaultMaxFailures = 5
	DefaultWindow      = 5 * time.Minute
	DefaultLockoutBase = 2 * time.Second
	DefaultLockoutCap  = 60 * time.Second

	lockStripes = 64
)

// Session is created by a successful handshake and lives until the
// connection closes or the token is rotated.
type Session struct {
	ID         string
	ClientID   string
	TokenHash  [32]byte
	Generation uint64
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

func WithToken(token string) Option {
	return func(a *Authenticator) { a.initialToken = token }
}

func WithFailureStore(store FailureStore) Option {
	return func(a *Authenticator) { a.store = store }
}

func WithLockout(maxFailures int, window, base, cap time.Duration) Option {
	return func(a *Authenticator) {
		if maxFailures > 0 {
			a.maxFailures = maxFailures
		}
		if window > 0 {
			a.window = window
		}
		if base > 0 {
			a.lockoutBase = base
		}
		if cap > 0 {
			a.lockoutCap = cap
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// Authenticator owns the current token, live sessions and lockout policy.
type Authenticator struct {
	hasher       *tokenHasher
	store        FailureStore
	logger       *slog.Logger
	now          func() time.Time
	initialToken string

	maxFailures int
	window      time.Duration
	lockoutBase time.Duration
	lockoutCap  time.Duration

	// per-client serialization of check-then-record
	clientLocks [lockStripes]sync.Mutex

	mu         sync.RWMutex
	token      string
	tokenHash  [32]byte
	generation uint64
	sessions   map[string]*Session
}

// New creates an Authenticator. Without WithToken a fresh token is generated.
func New(opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		logger:      slog.Default(),
		now:         time.Now,
		maxFailures: DefaultMaxFailures,
		window:      DefaultWindow,
		lockoutBase: DefaultLockoutBase,
		lockoutCap:  DefaultLockoutCap,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.store == nil {
		a.store = NewMemoryFailureStore()
	}

	hasher, err := newTokenHasher()
	if err != nil {
		return nil, err
	}
	a.hasher = hasher

	token := a.initialToken
	a.initialToken = ""
	if token == "" {
		if token, err = GenerateToken(); err != nil {
			return nil, err
		}
	} else if len(token) < TokenBytes {
		return nil, fmt.Errorf("token must be at least %d characters", TokenBytes)
	}
	a.setToken(token)
	return a, nil
}

// Token returns the current token for out-of-band distribution to callers.
func (a *Authenticator) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *Authenticator) setToken(token string) {
	a.token = token
	a.tokenHash = a.hasher.sum(token)
	a.generation++
	a.sessions = make(map[string]*Session)
}

// Authenticate verifies presented for clientID and opens a session. A
// locked-out client is rejected before the token is looked at, so a correct
// token does not help during a lockout.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, presented string) (*Session, error) {
	lock := a.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	now := a.now()
	current, generation, err := a.verify(ctx, clientID, presented, now)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		TokenHash:  current,
		Generation: generation,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != generation {
		// token rotated while we were verifying
		return nil, fault.Auth("session_expired", "token was rotated")
	}
	a.sessions[session.ID] = session
	return session, nil
}

// Verify checks presented for clientID without opening a session. Failures
// count towards the same lockout as Authenticate.
func (a *Authenticator) Verify(ctx context.Context, clientID, presented string) error {
	lock := a.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	_, _, err := a.verify(ctx, clientID, presented, a.now())
	return err
}

// verify must be called with the client lock held.
func (a *Authenticator) verify(ctx context.Context, clientID, presented string, now time.Time) ([32]byte, uint64, error) {
	rec, err := a.store.Load(ctx, clientID)
	if err != nil {
		return [32]byte{}, 0, fault.Internal(fmt.Errorf("load failure record: %w", err))
	}
	if now.Before(rec.LockedUntil) {
		return [32]byte{}, 0, fault.Locked(rec.LockedUntil.Sub(now))
	}

	presentedHash := a.hasher.sum(presented)
	a.mu.RLock()
	current := a.tokenHash
	generation := a.generation
	a.mu.RUnlock()

	if subtle.ConstantTimeCompare(presentedHash[:], current[:]) != 1 {
		return [32]byte{}, 0, a.recordFailure(ctx, clientID, rec, now)
	}

	if err := a.store.Clear(ctx, clientID); err != nil {
		a.logger.Warn("clear failure record", "client", clientID, "error", err)
	}
	return current, generation, nil
}

func (a *Authenticator) recordFailure(ctx context.Context, clientID string, rec FailureRecord, now time.Time) error {
	rec.Failures = append(rec.Failures, now)
	rec.prune(now, a.window, 4*a.maxFailures)

	count := len(rec.Failures)
	result := fault.Auth("invalid_token", "invalid authentication token")
	if count >= a.maxFailures {
		d := a.lockoutDuration(count - a.maxFailures)
		rec.LockedUntil = now.Add(d)
		a.logger.Warn("client locked out", "client", clientID, "failures", count, "duration", d)
	} else {
		a.logger.Warn("authentication failed", "client", clientID, "failures", count)
	}

	if err := a.store.Save(ctx, clientID, rec, a.window+a.lockoutCap); err != nil {
		return fault.Internal(fmt.Errorf("save failure record: %w", err))
	}
	return result
}

// lockoutDuration is base * 2^level, capped.
func (a *Authenticator) lockoutDuration(level int) time.Duration {
	d := a.lockoutBase
	for i := 0; i < level && d < a.lockoutCap; i++ {
		d *= 2
	}
	if d > a.lockoutCap {
		d = a.lockoutCap
	}
	return d
}

// LockedFor reports the remaining lockout of clientID, zero if none.
func (a *Authenticator) LockedFor(ctx context.Context, clientID string) (time.Duration, error) {
	rec, err := a.store.Load(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if d := rec.LockedUntil.Sub(a.now()); d > 0 {
		return d, nil
	}
	return 0, nil
}

// Validate checks that a session is still live under the current token and
// marks it as seen.
func (a *Authenticator) Validate(s *Session) error {
	if s == nil {
		return fault.Auth("unauthenticated", "authentication required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	live, ok := a.sessions[s.ID]
	if !ok || live.Generation != a.generation {
		return fault.Auth("session_expired", "session is no longer valid, authenticate again")
	}
	live.LastSeenAt = a.now()
	s.LastSeenAt = live.LastSeenAt
	return nil
}

// Rotate replaces the token. Every session issued under the previous token
// is destroyed.
func (a *Authenticator) Rotate() (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	dropped := len(a.sessions)
	a.setToken(token)
	a.mu.Unlock()

	a.logger.Info("token rotated", "sessions_invalidated", dropped)
	return token, nil
}

// Revoke destroys a session, typically on disconnect.
func (a *Authenticator) Revoke(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// ActiveSessions returns the number of live sessions.
func (a *Authenticator) ActiveSessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func (a *Authenticator) clientLock(clientID string) *sync.Mutex {
	return &a.clientLocks[xxhash.Sum64String(clientID)%lockStripes]
}
