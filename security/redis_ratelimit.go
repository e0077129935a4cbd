package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window counter shared by every authorization
// server instance pointing at the same Redis. Each identifier may make Limit
// requests per Window.
//
// When Redis is unreachable the limiter allows the request and logs a warning:
// rate limiting protects capacity, it never gates correctness.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

var _ Limiter = (*RedisRateLimiter)(nil)

// RedisRateLimiterConfig configures NewRedisRateLimiter.
type RedisRateLimiterConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string
	// KeyPrefix namespaces counters (default "ratelimit:").
	KeyPrefix string
	// Limit is the number of requests allowed per Window.
	Limit int
	// Window defaults to one minute.
	Window time.Duration
	Logger *slog.Logger
}

// NewRedisRateLimiter parses cfg.URL, connects and pings the server.
func NewRedisRateLimiter(ctx context.Context, cfg RedisRateLimiterConfig) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisRateLimiterWithClient(client, cfg), nil
}

// NewRedisRateLimiterWithClient wraps an existing client.
func NewRedisRateLimiterWithClient(client *redis.Client, cfg RedisRateLimiterConfig) *RedisRateLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisRateLimiter{
		client: client,
		prefix: cfg.KeyPrefix,
		limit:  int64(cfg.Limit),
		window: cfg.Window,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Allow increments the identifier's counter for the current window.
func (l *RedisRateLimiter) Allow(ctx context.Context, identifier string) bool {
	if l.limit <= 0 {
		return true
	}
	window := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("%s%s:%d", l.prefix, identifier, window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		l.logger.Warn("Rate limiter backend unavailable, allowing request", "error", err)
		return true
	}
	return incr.Val() <= l.limit
}

// Close closes the underlying client.
func (l *RedisRateLimiter) Close() error {
	return l.client.Close()
}
