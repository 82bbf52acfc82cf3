package redis

import (
	"context"
	"fmt"

	"dispatch-system/internal/config"
	"dispatch-system/internal/logger"

	"github.com/go-redis/redis/v8"
)

// Client wraps the Redis connection shared by the ticket store and the
// no-driver streak counter.
type Client struct {
	client *redis.Client
	log    *logger.Logger
}

// Connect opens the connection and pings it.
func Connect(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Successfully connected to Redis")

	return NewClient(rdb, log), nil
}

// NewClient wraps an existing go-redis client.
func NewClient(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{client: rdb, log: log}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Key prefixes.
const (
	KeyPrefixOpenTicket = "escalation:open"
	KeyPrefixTicket     = "escalation:ticket"
	KeyTicketIndex      = "escalation:index"
	KeyPrefixNoDriver   = "dispatch:nodriver"
)

// GenerateKey joins a prefix and its parts with ':'.
func GenerateKey(prefix string, parts ...interface{}) string {
	key := prefix
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}
