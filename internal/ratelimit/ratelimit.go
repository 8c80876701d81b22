package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Limiter is a token bucket shared by every API replica through Redis.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// New returns a Limiter allowing limit events per window for each key.
// prefix namespaces the Redis keys so several limiters can share a database.
func New(rdb *redis.Client, limit int, window time.Duration, prefix string) *Limiter {
	if !strings.HasPrefix(prefix, "rl:") {
		prefix = "rl:" + prefix
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

// Take consumes a token for key and reports whether it was available along
// with the tokens left in the bucket.
func (l *Limiter) Take(ctx context.Context, key string) (bool, int, error) {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true, -1, nil
	}
	interval := l.window.Milliseconds() / int64(l.limit)
	if interval < 1 {
		interval = 1
	}
	res, err := l.rdb.Eval(ctx, bucketScript, []string{l.prefix + key}, l.limit, interval, time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	return res[0] == 1, int(res[1]), nil
}

// Allow is Take without the remaining count.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, _, err := l.Take(ctx, key)
	return ok, err
}

// Middleware limits requests per keyFunc(c). Redis failures let the request
// through.
func (l *Limiter) Middleware(keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, left, err := l.Take(c.Request.Context(), keyFunc(c))
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("limiter", l.prefix).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if left >= 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(l.limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(left))
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"code": "rate_limited", "message": "too many requests"}})
			return
		}
		c.Next()
	}
}

// ClientIP keys a limiter by the caller's address.
func ClientIP(c *gin.Context) string { return c.ClientIP() }

// bucketScript refills tokens at one per interval up to capacity, takes one
// if possible and returns {allowed, remaining}.
const bucketScript = `
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
local refill = math.floor((now - ts) / interval)
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  ts = ts + refill * interval
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], interval * capacity)
return {allowed, tokens}
`
