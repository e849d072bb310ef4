// Package ratelimit defines per-client request limits and the one-shot
// session claim used against replayed verifications.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// Limiter admits at most limit requests per key within window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// SessionGuard records that a session id has been used. Claim returns false
// when the id was already claimed within ttl.
type SessionGuard interface {
	Claim(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
}
