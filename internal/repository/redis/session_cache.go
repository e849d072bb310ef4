package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"behavior-gate/internal/client"
	"behavior-gate/internal/ratelimit"
	"behavior-gate/internal/util"
)

const verifyClaimPrefix = "verify_claim:"

// SessionCache records which session ids have already been verified.
type SessionCache struct {
	client *client.RedisClient
}

var _ ratelimit.SessionGuard = (*SessionCache)(nil)

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// Claim implements ratelimit.SessionGuard with SET NX.
func (c *SessionCache) Claim(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.client.WithContext(ctx, 2*time.Second)
	defer cancel()

	ok, err := c.client.SetNX(ctx, verifyClaimPrefix+sessionID, time.Now().UTC().Format(time.RFC3339), ttl)
	if err != nil {
		util.Error("Failed to claim session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false, fmt.Errorf("failed to claim session: %w", err)
	}
	if !ok {
		util.Debug("Session already claimed", zap.String("session_id", sessionID))
	}
	return ok, nil
}

// Release drops a claim so the session can be verified again.
func (c *SessionCache) Release(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, verifyClaimPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to release session claim: %w", err)
	}
	return nil
}
