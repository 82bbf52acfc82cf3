package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// StreakCounter counts consecutive dispatch passes that found no eligible
// driver for an order. Counts live in Redis so every dispatch instance sees
// the same streak.
type StreakCounter struct {
	client *Client
	ttl    time.Duration
}

// NewStreakCounter returns a counter whose entries expire after ttl of inactivity.
func NewStreakCounter(client *Client, ttl time.Duration) *StreakCounter {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &StreakCounter{client: client, ttl: ttl}
}

// Incr adds one miss and returns the new streak length.
func (s *StreakCounter) Incr(ctx context.Context, orderID uuid.UUID) (int64, error) {
	key := GenerateKey(KeyPrefixNoDriver, orderID)

	var incr *redis.IntCmd
	_, err := s.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment no-driver streak: %w", err)
	}
	return incr.Val(), nil
}

// Reset clears the streak of an order.
func (s *StreakCounter) Reset(ctx context.Context, orderID uuid.UUID) error {
	if err := s.client.client.Del(ctx, GenerateKey(KeyPrefixNoDriver, orderID)).Err(); err != nil {
		return fmt.Errorf("failed to reset no-driver streak: %w", err)
	}
	return nil
}
