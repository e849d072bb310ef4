package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsUpToLimit(t *testing.T) {
	l := NewMemoryLimiter(0)
	defer l.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
	}

	res, err := l.Allow(ctx, "ip-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	res, _ = l.Allow(ctx, "ip-2", 3, time.Minute)
	assert.True(t, res.Allowed, "keys are independent")
}

func TestMemoryLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, _ := l.Allow(ctx, "k", 2, time.Minute)
		require.True(t, res.Allowed)
	}
	res, _ := l.Allow(ctx, "k", 2, time.Minute)
	require.False(t, res.Allowed)
	assert.InDelta(t, float64(30*time.Second), float64(res.RetryAfter), float64(time.Millisecond))

	now = now.Add(31 * time.Second)
	res, _ = l.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	l := NewMemoryLimiter(0)
	defer l.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := l.Allow(context.Background(), "shared", 20, time.Hour)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}

func TestMemorySessionGuard(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewMemorySessionGuard()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "sess-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Claim(ctx, "sess-1", time.Minute)
	assert.False(t, ok, "replay is rejected")

	ok, _ = g.Claim(ctx, "sess-2", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.Claim(ctx, "sess-1", time.Minute)
	assert.True(t, ok, "claim expires with ttl")
}
