// Package ratelimit provides Redis-backed fixed-window rate limiting. The
// host uses it to gate new connections per remote IP and to throttle inbound
// messages per connection. Counters live in Redis so that several server
// processes behind one address share the same budget.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rws:rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rws:rl:conn:", Limit: 20, Window: time.Minute}

	// RuleMessage allows 50 inbound messages per 10 seconds per connection.
	RuleMessage = Rule{Key: "rws:rl:msg:", Limit: 50, Window: 10 * time.Second}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client  redis.Cmdable
	connect Rule
	log     *zap.Logger
}

// NewLimiter creates a Limiter backed by client that admits connections
// according to connect. A nil logger disables logging.
func NewLimiter(client redis.Cmdable, connect Rule, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{client: client, connect: connect, log: logger.Named("ratelimit")}
}

// Admit reports whether remoteIP may open another connection. It fails open
// on Redis errors.
func (l *Limiter) Admit(ctx context.Context, remoteIP string) bool {
	ok, _ := l.Allow(ctx, remoteIP, l.connect)
	return ok
}

// Allow counts one request for identifier under rule and reports whether it
// is within the limit. INCR and EXPIRE NX run in one transaction, so the
// window opens on the first request and a key never lives without a TTL.
// Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("redis rate check failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	return incr.Val() <= int64(rule.Limit), nil
}

// Remaining reports how many requests identifier has left in the current
// window. A missing key means the full limit. Redis errors fail open.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	used, err := l.client.Get(ctx, key).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		l.log.Warn("redis GET failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}
	return max(rule.Limit-used, 0), nil
}

// Reset clears the identifier's counter for rule.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
