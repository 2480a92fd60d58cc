package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureRecord is the authentication failure state of one client.
type FailureRecord struct {
	Failures    []time.Time `json:"failures"`
	LockedUntil time.Time   `json:"locked_until"`
}

// Count returns the number of failures recorded inside the window ending at now.
func (r FailureRecord) Count(now time.Time, window time.Duration) int {
	n := 0
	for _, t := range r.Failures {
		if now.Sub(t) <= window {
			n++
		}
	}
	return n
}

func (r *FailureRecord) prune(now time.Time, window time.Duration, keep int) {
	kept := r.Failures[:0]
	for _, t := range r.Failures {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	if len(kept) > keep {
		kept = kept[len(kept)-keep:]
	}
	r.Failures = kept
}

// FailureStore persists failure records. Whether lockouts survive a restart
// depends on the store: the memory store forgets on restart, the redis store
// does not.
type FailureStore interface {
	Load(ctx context.Context, clientID string) (FailureRecord, error)
	Save(ctx context.Context, clientID string, rec FailureRecord, ttl time.Duration) error
	Clear(ctx context.Context, clientID string) error
}

type memoryStore struct {
	mu      sync.Mutex
	records map[string]memoryEntry
}

type memoryEntry struct {
	rec     FailureRecord
	expires time.Time
}

// NewMemoryFailureStore returns a process-local FailureStore.
func NewMemoryFailureStore() FailureStore {
	return &memoryStore{records: make(map[string]memoryEntry)}
}

func (s *memoryStore) Load(ctx context.Context, clientID string) (FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[clientID]
	if !ok {
		return FailureRecord{}, nil
	}
	if time.Now().After(e.expires) {
		delete(s.records, clientID)
		return FailureRecord{}, nil
	}
	rec := e.rec
	rec.Failures = append([]time.Time(nil), e.rec.Failures...)
	return rec, nil
}

func (s *memoryStore) Save(ctx context.Context, clientID string, rec FailureRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Failures = append([]time.Time(nil), rec.Failures...)
	s.records[clientID] = memoryEntry{rec: rec, expires: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) Clear(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, clientID)
	return nil
}

const defaultRedisPrefix = "gisgate:authfail:"

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisFailureStore returns a FailureStore backed by redis, so lockouts
// survive a process restart.
func NewRedisFailureStore(client *redis.Client, prefix string) FailureStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) Load(ctx context.Context, clientID string) (FailureRecord, error) {
	val, err := s.client.Get(ctx, s.prefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return FailureRecord{}, nil
	}
	if err != nil {
		return FailureRecord{}, err
	}
	var rec FailureRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return FailureRecord{}, err
	}
	return rec, nil
}

func (s *redisStore) Save(ctx context.Context, clientID string, rec FailureRecord, ttl time.Duration) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+clientID, val, ttl).Err()
}

func (s *redisStore) Clear(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, s.prefix+clientID).Err()
}
