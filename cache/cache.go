// Package cache memoizes expensive read results by fingerprint under a byte
// budget with strict LRU eviction.
package cache

import (
	"container/list"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultBudget = 64 << 20
	stripeCount   = 64
)

// Fingerprint identifies the result of op over inputs. Inputs are encoded as
// JSON, which sorts map keys, so equal inputs always produce the same
// fingerprint.
func Fingerprint(op string, inputs any) (string, error) {
	body, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", op, err)
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Budget    int64 `json:"budget"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type entry struct {
	fp         string
	payload    []byte
	lastAccess time.Time
	pins       int
}

type call struct {
	done chan struct{}
	val  []byte
	err  error
}

type stripe struct {
	mu    sync.Mutex
	calls map[string]*call
}

// Option configures a Cache.
type Option func(*Cache)

func WithBudget(bytes int64) Option {
	return func(c *Cache) { c.budget = bytes }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// Cache is safe for concurrent use. In-flight computations are coordinated
// per fingerprint stripe; the LRU lock only guards ordering and accounting.
type Cache struct {
	budget int64
	logger *slog.Logger

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element
	bytes   int64

	stripes [stripeCount]stripe

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func New(opts ...Option) *Cache {
	c := &Cache{
		budget:  DefaultBudget,
		logger:  slog.Default(),
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.stripes {
		c.stripes[i].calls = make(map[string]*call)
	}
	return c
}

func (c *Cache) stripe(fp string) *stripe {
	return &c.stripes[xxhash.Sum64String(fp)%stripeCount]
}

// lookup returns the payload and marks it most recently used.
func (c *Cache) lookup(fp string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	e.lastAccess = time.Now()
	c.ll.MoveToFront(el)
	return e.payload, true
}

// Get returns a cached payload. Callers must not modify it.
func (c *Cache) Get(fp string) ([]byte, bool) {
	v, ok := c.lookup(fp)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// GetOrCompute returns the cached payload for fp or computes it. Concurrent
// callers for the same fingerprint share one computation. Errors are
// returned to every waiting caller and are not cached.
func (c *Cache) GetOrCompute(ctx context.Context, fp string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.lookup(fp); ok {
		c.hits.Add(1)
		return v, nil
	}

	s := c.stripe(fp)
	s.mu.Lock()
	if inflight, ok := s.calls[fp]; ok {
		s.mu.Unlock()
		select {
		case <-inflight.done:
			if inflight.err == nil {
				c.hits.Add(1)
			}
			return inflight.val, inflight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// a computation may have finished between lookup and taking the stripe
	if v, ok := c.lookup(fp); ok {
		s.mu.Unlock()
		c.hits.Add(1)
		return v, nil
	}
	cl := &call{done: make(chan struct{})}
	s.calls[fp] = cl
	s.mu.Unlock()

	c.misses.Add(1)
	cl.val, cl.err = c.run(ctx, compute)
	if cl.err == nil {
		c.Put(fp, cl.val)
	}

	s.mu.Lock()
	delete(s.calls, fp)
	s.mu.Unlock()
	close(cl.done)

	return cl.val, cl.err
}

func (c *Cache) run(ctx context.Context, compute func(context.Context) ([]byte, error)) (v []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache compute panicked: %v", r)
		}
	}()
	return compute(ctx)
}

// Put stores payload under fp, evicting least recently used unpinned
// entries until the budget holds. Payloads larger than the budget are not
// stored.
func (c *Cache) Put(fp string, payload []byte) {
	size := int64(len(payload))
	if size > c.budget {
		c.logger.Debug("payload exceeds cache budget", "size", size, "budget", c.budget)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fp]; ok {
		e := el.Value.(*entry)
		c.bytes += size - int64(len(e.payload))
		e.payload = payload
		e.lastAccess = time.Now()
		c.ll.MoveToFront(el)
	} else {
		e := &entry{fp: fp, payload: payload, lastAccess: time.Now()}
		c.entries[fp] = c.ll.PushFront(e)
		c.bytes += size
	}
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for el := c.ll.Back(); el != nil && c.bytes > c.budget; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.pins == 0 {
			c.removeLocked(el)
			c.evictions.Add(1)
		}
		el = prev
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.entries, e.fp)
	c.bytes -= int64(len(e.payload))
}

// Acquire returns the payload for fp and pins it against eviction until
// release is called.
func (c *Cache) Acquire(fp string) (payload []byte, release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.entries[fp]
	if !found {
		c.misses.Add(1)
		return nil, func() {}, false
	}
	c.hits.Add(1)
	e := el.Value.(*entry)
	e.pins++
	e.lastAccess = time.Now()
	c.ll.MoveToFront(el)

	var once sync.Once
	return e.payload, func() {
		once.Do(func() {
			c.mu.Lock()
			e.pins--
			if _, live := c.entries[e.fp]; live {
				c.evictLocked()
			}
			c.mu.Unlock()
		})
	}, true
}

// Invalidate drops fp. Pinned entries are dropped too; current holders keep
// their payload.
func (c *Cache) Invalidate(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[fp]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Purge drops every entry and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.ll.Init()
	c.entries = make(map[string]*list.Element)
	c.bytes = 0
	c.logger.Info("cache purged", "entries", n)
	return n
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Entries: len(c.entries), Bytes: c.bytes, Budget: c.budget}
	c.mu.Unlock()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	return s
}
