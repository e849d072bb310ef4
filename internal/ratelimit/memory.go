package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
	window    time.Duration
}

// MemoryLimiter is a per-process token bucket limiter. Each key holds up to
// limit tokens and refills limit tokens per window.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryLimiter starts a limiter whose stale buckets are dropped every
// cleanupInterval.
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanup(cleanupInterval)
	}
	return l
}

func (l *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, b := range l.buckets {
				if now.Sub(b.lastCheck) > 2*b.window {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{Allowed: false, Limit: limit, RetryAfter: window}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(limit)
	perSecond := capacity / window.Seconds()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastCheck: now, window: window}
		l.buckets[key] = b
	} else {
		b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastCheck).Seconds()*perSecond)
		b.lastCheck = now
		b.window = window
	}

	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Count: limit - int(b.tokens), Limit: limit}, nil
	}

	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return Result{Allowed: false, Count: limit, Limit: limit, RetryAfter: wait}, nil
}

// MemorySessionGuard remembers claimed session ids until their ttl passes.
type MemorySessionGuard struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	now     func() time.Time
}

func NewMemorySessionGuard() *MemorySessionGuard {
	return &MemorySessionGuard{claimed: make(map[string]time.Time), now: time.Now}
}

// Claim implements SessionGuard.
func (g *MemorySessionGuard) Claim(_ context.Context, sessionID string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.claimed[sessionID]; ok && now.Before(exp) {
		return false, nil
	}
	// opportunistic sweep keeps the map bounded by live claims
	if len(g.claimed) > 10000 {
		for id, exp := range g.claimed {
			if !now.Before(exp) {
				delete(g.claimed, id)
			}
		}
	}
	g.claimed[sessionID] = now.Add(ttl)
	return true, nil
}
