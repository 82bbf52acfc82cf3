package redis

import (
	"context"
	"fmt"
	"time"

	"dispatch-system/internal/logger"

	"github.com/go-redis/redis/v8"
)

// Key prefixes of the rate limiter.
const (
	KeyPrefixRateWindow = "ratelimit:window"
	KeyPrefixRateBan    = "ratelimit:ban"
)

// rateLimitScript counts one request in a fixed window. A client over the
// limit is banned; while banned every request is refused without counting.
// It returns {allowed, count, retry_ms}.
var rateLimitScript = redis.NewScript(`
local banned = redis.call('PTTL', KEYS[2])
if banned > 0 then
	return {0, -1, banned}
end
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
	return {0, current, tonumber(ARGV[3])}
end
return {1, current, 0}
`)

// RateLimitResult is the verdict for one request.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter throttles operator writes per client with a fixed one minute
// window. Redis failures let the request through.
type RateLimiter struct {
	client *Client
	limit  int
	window time.Duration
	ban    time.Duration
	log    *logger.Logger
}

// NewRateLimiter allows limit requests per minute and bans a client that
// goes over it for ban.
func NewRateLimiter(client *Client, limit int, ban time.Duration, log *logger.Logger) *RateLimiter {
	if ban <= 0 {
		ban = time.Minute
	}
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: time.Minute,
		ban:    ban,
		log:    log,
	}
}

// Allow counts one request of clientID.
func (l *RateLimiter) Allow(ctx context.Context, clientID string) *RateLimitResult {
	open := &RateLimitResult{Allowed: true, Limit: l.limit, Remaining: l.limit}

	keys := []string{
		GenerateKey(KeyPrefixRateWindow, clientID),
		GenerateKey(KeyPrefixRateBan, clientID),
	}
	res, err := rateLimitScript.Run(ctx, l.client.client, keys,
		l.limit, l.window.Milliseconds(), l.ban.Milliseconds()).Result()
	if err != nil {
		l.log.WithError(err).WithField("client", clientID).Error("Rate limit check failed, letting request through")
		return open
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		l.log.WithField("result", fmt.Sprint(res)).Error("Unexpected rate limit script result")
		return open
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	if allowed == 1 {
		remaining := l.limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		return &RateLimitResult{Allowed: true, Limit: l.limit, Remaining: remaining}
	}

	if count > 0 {
		l.log.WithFields(map[string]interface{}{
			"client": clientID,
			"count":  count,
			"limit":  l.limit,
			"ban":    l.ban.String(),
		}).Warn("Client exceeded rate limit and is banned")
	}
	return &RateLimitResult{
		Allowed:    false,
		Limit:      l.limit,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
}
