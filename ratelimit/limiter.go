// Package ratelimit implements tiered fixed-window admission control keyed by
// client identity, with exponential backoff for clients that keep pushing
// past their quota.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	shardCount = 32

	DefaultMaxBackoff = 5 * time.Minute
	DefaultIdleTTL    = 10 * time.Minute
	DefaultSweepEvery = time.Minute
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// bucket is the RateBucket for one (client, tier) pair.
type bucket struct {
	windowStart    time.Time
	count          int
	backoff        int
	deniedInWindow bool
	lastRetry      time.Duration
	blockedUntil   time.Time
	lastSeen       time.Time
}

type bucketKey struct {
	client string
	tier   Tier
}

type shard struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithQuota(tier Tier, q Quota) Option {
	return func(l *Limiter) {
		if tier >= 0 && tier < numTiers && q.Limit > 0 && q.Window > 0 {
			l.quotas[tier] = q
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(l *Limiter) { l.maxBackoff = d }
}

func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter owns every RateBucket. Buckets are spread over shards by a hash of
// the client id so clients rarely contend on the same mutex.
type Limiter struct {
	quotas     [numTiers]Quota
	maxBackoff time.Duration
	idleTTL    time.Duration
	now        func() time.Time
	logger     *slog.Logger
	shards     [shardCount]shard
}

// New creates a Limiter with DefaultQuotas.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		maxBackoff: DefaultMaxBackoff,
		idleTTL:    DefaultIdleTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for tier, q := range DefaultQuotas() {
		l.quotas[tier] = q
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[bucketKey]*bucket)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Quota returns the quota of a tier.
func (l *Limiter) Quota(tier Tier) Quota {
	return l.quotas[tier]
}

// Admit records a request from client in tier and decides whether it may
// proceed. Consecutive denials for the same bucket never return a smaller
// RetryAfter than the previous denial.
func (l *Limiter) Admit(client string, tier Tier) Decision {
	if tier < 0 || tier >= numTiers {
		tier = TierNormal
	}
	q := l.quotas[tier]
	now := l.now()

	s := l.shard(client)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{client: client, tier: tier}
	b := s.buckets[key]
	if b == nil {
		b = &bucket{windowStart: now}
		s.buckets[key] = b
	}
	b.lastSeen = now

	if now.Sub(b.windowStart) >= q.Window {
		if !b.deniedInWindow {
			b.backoff = 0
		}
		b.windowStart = now
		b.count = 0
		b.deniedInWindow = false
	}

	if now.Before(b.blockedUntil) || b.count >= q.Limit {
		return l.deny(b, q, now, client, tier)
	}

	b.count++
	b.lastRetry = 0
	return Decision{Allowed: true, Remaining: q.Limit - b.count}
}

func (l *Limiter) deny(b *bucket, q Quota, now time.Time, client string, tier Tier) Decision {
	b.deniedInWindow = true
	if l.penalty(b.backoff) < l.maxBackoff {
		b.backoff++
	}

	retry := b.windowStart.Add(q.Window).Sub(now)
	if p := l.penalty(b.backoff); p > retry {
		retry = p
	}
	if b.lastRetry > retry {
		retry = b.lastRetry
	}
	ceiling := l.maxBackoff
	if q.Window > ceiling {
		ceiling = q.Window
	}
	if retry > ceiling {
		retry = ceiling
	}

	b.lastRetry = retry
	b.blockedUntil = now.Add(retry)
	l.logger.Warn("rate limit exceeded", "client", client, "tier", tier.String(), "retry_after", retry)
	return Decision{Allowed: false, RetryAfter: retry}
}

// penalty is 2^n seconds, capped at maxBackoff.
func (l *Limiter) penalty(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := time.Second
	for i := 0; i < n; i++ {
		d *= 2
		if d >= l.maxBackoff {
			return l.maxBackoff
		}
	}
	return d
}

// Wait blocks until client is admitted in tier or ctx is done. It sleeps on
// a timer for the advertised RetryAfter rather than polling.
func (l *Limiter) Wait(ctx context.Context, client string, tier Tier) error {
	for {
		d := l.Admit(client, tier)
		if d.Allowed {
			return nil
		}
		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sweep drops buckets idle for longer than the idle TTL and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL && !now.Before(b.blockedUntil) {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultSweepEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate buckets", "removed", n)
			}
		}
	}
}

// Buckets returns the number of live buckets.
func (l *Limiter) Buckets() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func (l *Limiter) shard(client string) *shard {
	return &l.shards[xxhash.Sum64String(client)%shardCount]
}
