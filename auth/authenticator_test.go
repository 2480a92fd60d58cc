package auth

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/fault"
)

const testToken = "test-token-0123456789abcdefghijklmnopqrstuvwxyz"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAuth(t *testing.T, opts ...Option) (*Authenticator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	all := append([]Option{WithToken(testToken), WithClock(clock.Now)}, opts...)
	a, err := New(all...)
	require.NoError(t, err)
	return a, clock
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tok), 43, "32 random bytes encode to 43 base64url chars")

	other, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestAuthenticateSuccess(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()

	s, err := a.Authenticate(ctx, "127.0.0.1", testToken)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", s.ClientID)
	assert.NotEmpty(t, s.ID)
	assert.NoError(t, a.Validate(s))
	assert.Equal(t, 1, a.ActiveSessions())

	a.Revoke(s.ID)
	assert.Zero(t, a.ActiveSessions())
	assert.True(t, fault.IsKind(a.Validate(s), fault.KindAuth))
}

func TestShortConfiguredTokenRejected(t *testing.T) {
	_, err := New(WithToken("short"))
	assert.Error(t, err)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	a, clock := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := a.Authenticate(ctx, "client-a", "wrong")
		fe, ok := fault.As(err)
		require.True(t, ok)
		assert.Equal(t, "invalid_token", fe.Subtype)
		clock.Advance(time.Second)
	}

	// Sixth attempt with the correct token is still rejected.
	_, err := a.Authenticate(ctx, "client-a", testToken)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindAuth, fe.Kind)
	assert.Equal(t, "locked_out", fe.Subtype)
	assert.Greater(t, fe.RetryAfter, time.Duration(0))

	// Other clients are unaffected.
	_, err = a.Authenticate(ctx, "client-b", testToken)
	assert.NoError(t, err)

	clock.Advance(DefaultLockoutBase + time.Millisecond)
	_, err = a.Authenticate(ctx, "client-a", testToken)
	assert.NoError(t, err)
}

func TestVerifySharesLockoutWithoutSessions(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, a.Verify(ctx, "client-a", testToken))
	assert.Equal(t, 0, a.ActiveSessions())

	for i := 0; i < 4; i++ {
		assert.True(t, fault.IsKind(a.Verify(ctx, "client-a", "wrong"), fault.KindAuth))
	}
	// the fifth failure arrives through Authenticate and trips the lockout
	_, err := a.Authenticate(ctx, "client-a", "wrong")
	require.Error(t, err)

	fe, ok := fault.As(a.Verify(ctx, "client-a", testToken))
	require.True(t, ok)
	assert.Equal(t, "locked_out", fe.Subtype)
}

func TestLockoutGrowsExponentiallyAndCaps(t *testing.T) {
	a, clock := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = a.Authenticate(ctx, "c", "wrong")
	}

	var last time.Duration
	for i := 0; i < 8; i++ {
		_, _ = a.Authenticate(ctx, "c", "wrong")
		locked, err := a.LockedFor(ctx, "c")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, locked, last)
		assert.LessOrEqual(t, locked, DefaultLockoutCap)
		last = locked
		clock.Advance(locked)
	}
	assert.Equal(t, DefaultLockoutCap, last)
}

func TestSuccessResetsFailures(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = a.Authenticate(ctx, "c", "wrong")
	}
	_, err := a.Authenticate(ctx, "c", testToken)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _ = a.Authenticate(ctx, "c", "wrong")
	}
	_, err = a.Authenticate(ctx, "c", testToken)
	assert.NoError(t, err, "four failures after a success must not lock out")
}

func TestFailuresOutsideWindowExpire(t *testing.T) {
	a, clock := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = a.Authenticate(ctx, "c", "wrong")
	}
	clock.Advance(DefaultWindow + time.Second)
	_, _ = a.Authenticate(ctx, "c", "wrong")

	locked, err := a.LockedFor(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, locked)
}

func TestRotateInvalidatesSessions(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()

	s1, err := a.Authenticate(ctx, "c1", testToken)
	require.NoError(t, err)
	s2, err := a.Authenticate(ctx, "c2", testToken)
	require.NoError(t, err)

	newToken, err := a.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, testToken, newToken)
	assert.Equal(t, newToken, a.Token())

	for _, s := range []*Session{s1, s2} {
		fe, ok := fault.As(a.Validate(s))
		require.True(t, ok)
		assert.Equal(t, "session_expired", fe.Subtype)
	}

	_, err = a.Authenticate(ctx, "c1", testToken)
	assert.Error(t, err, "old token no longer accepted")
	_, err = a.Authenticate(ctx, "c1", newToken)
	assert.NoError(t, err)
}

func TestRedisFailureStore(t *testing.T) {
	addr := os.Getenv("GISGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("GISGATE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store := NewRedisFailureStore(client, "gisgate:test:")
	ctx := context.Background()
	require.NoError(t, store.Clear(ctx, "c"))

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := FailureRecord{Failures: []time.Time{now}, LockedUntil: now.Add(time.Minute)}
	require.NoError(t, store.Save(ctx, "c", rec, time.Minute))

	got, err := store.Load(ctx, "c")
	require.NoError(t, err)
	require.Len(t, got.Failures, 1)
	assert.True(t, got.LockedUntil.Equal(rec.LockedUntil))

	require.NoError(t, store.Clear(ctx, "c"))
	got, err = store.Load(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, got.Failures)
}
