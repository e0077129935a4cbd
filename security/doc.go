// Package security holds the cross-cutting protections of the authorization
// server: audit logging, rate limiting, response headers, client IP
// resolution and request IDs.
//
// # Audit
//
// Auditor writes security events to slog with user IDs hashed. Additional
// EventSinks (for example AMQPSink, which publishes to a RabbitMQ topic
// exchange) receive the same events.
//
// # Rate limiting
//
// Two Limiter implementations exist:
//
//   - RateLimiter: token bucket per identifier, held in process with LRU
//     eviction (10,000 identifiers by default) and idle cleanup.
//   - RedisRateLimiter: fixed-window counter in Redis, shared by all
//     instances. It allows requests when Redis is unreachable.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(ctx, clientIP) {
//	    // 429
//	}
package security
