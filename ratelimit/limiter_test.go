package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func TestAdmitWithinQuota(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithQuota(TierExpensive, Quota{Limit: 3, Window: time.Minute}))

	for i := 0; i < 3; i++ {
		d := l.Admit("c1", TierExpensive)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Admit("c1", TierExpensive)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTiersAndClientsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithQuota(TierExpensive, Quota{Limit: 1, Window: time.Minute}))

	require.True(t, l.Admit("c1", TierExpensive).Allowed)
	require.False(t, l.Admit("c1", TierExpensive).Allowed)

	assert.True(t, l.Admit("c1", TierCheap).Allowed)
	assert.True(t, l.Admit("c2", TierExpensive).Allowed)
}

func TestRetryAfterNeverDecreases(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithQuota(TierNormal, Quota{Limit: 2, Window: time.Minute}))

	require.True(t, l.Admit("c1", TierNormal).Allowed)
	require.True(t, l.Admit("c1", TierNormal).Allowed)

	var last time.Duration
	for i := 0; i < 20; i++ {
		d := l.Admit("c1", TierNormal)
		require.False(t, d.Allowed, "violation %d", i)
		assert.GreaterOrEqual(t, d.RetryAfter, last, "violation %d", i)
		last = d.RetryAfter
		clock.Advance(3 * time.Second)
	}
	assert.Equal(t, DefaultMaxBackoff, last)
}

func TestBackoffExceedsWindowRemainder(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithQuota(TierCheap, Quota{Limit: 1, Window: 10 * time.Second}))

	require.True(t, l.Admit("c1", TierCheap).Allowed)
	clock.Advance(9 * time.Second)

	d := l.Admit("c1", TierCheap)
	require.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)

	d = l.Admit("c1", TierCheap)
	require.False(t, d.Allowed)
	assert.Equal(t, 4*time.Second, d.RetryAfter)
}

func TestDenialBlocksUntilRetryAfter(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithQuota(TierCheap, Quota{Limit: 1, Window: time.Second}))

	require.True(t, l.Admit("c1", TierCheap).Allowed)
	d := l.Admit("c1", TierCheap)
	require.False(t, d.Allowed)
	require.Equal(t, 2*time.Second, d.RetryAfter)

	// the window has rolled but the penalty still holds
	clock.Advance(1500 * time.Millisecond)
	assert.False(t, l.Admit("c1", TierCheap).Allowed)

	clock.Advance(time.Minute)
	assert.True(t, l.Admit("c1", TierCheap).Allowed)
}

func TestBackoffDecaysAfterCleanWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithQuota(TierCheap, Quota{Limit: 1, Window: time.Second}))

	require.True(t, l.Admit("c1", TierCheap).Allowed)
	for i := 0; i < 3; i++ {
		require.False(t, l.Admit("c1", TierCheap).Allowed)
	}

	clock.Advance(10 * time.Minute)
	require.True(t, l.Admit("c1", TierCheap).Allowed)
	clock.Advance(2 * time.Second)
	require.True(t, l.Admit("c1", TierCheap).Allowed)

	d := l.Admit("c1", TierCheap)
	require.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)
}

func TestDefaultQuotas(t *testing.T) {
	l := New()
	assert.Equal(t, Quota{Limit: 5, Window: 5 * time.Minute}, l.Quota(TierAuth))
	assert.Equal(t, Quota{Limit: 10, Window: time.Minute}, l.Quota(TierExpensive))
	assert.Equal(t, Quota{Limit: 60, Window: time.Minute}, l.Quota(TierNormal))
	assert.Equal(t, Quota{Limit: 300, Window: time.Minute}, l.Quota(TierCheap))
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithIdleTTL(time.Minute))

	for i := 0; i < 10; i++ {
		l.Admit(fmt.Sprintf("client-%d", i), TierCheap)
	}
	require.Equal(t, 10, l.Buckets())

	clock.Advance(30 * time.Second)
	l.Admit("client-0", TierCheap)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 9, l.Sweep())
	assert.Equal(t, 1, l.Buckets())
}

func TestConcurrentAdmitRespectsQuota(t *testing.T) {
	l := New(WithQuota(TierNormal, Quota{Limit: 50, Window: time.Hour}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared", TierNormal).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(WithQuota(TierExpensive, Quota{Limit: 1, Window: time.Hour}))
	require.NoError(t, l.Wait(context.Background(), "c1", TierExpensive))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "c1", TierExpensive)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseTier(t *testing.T) {
	for tier := TierAuth; tier < numTiers; tier++ {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("bogus")
	assert.Error(t, err)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierAuth, TierFor("authenticate"))
	assert.Equal(t, TierExpensive, TierFor("execute_code"))
	assert.Equal(t, TierCheap, TierFor("ping"))
	assert.Equal(t, TierNormal, TierFor("something_new"))
}
