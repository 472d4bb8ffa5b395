package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenBucket is a token bucket per key kept in Redis so every replica
// of the agent shares one budget per caller.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the next token when Allowed is false.
	RetryAfter time.Duration
}

// Replies {allowed, whole tokens left, ms until the next token}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local elapsed = math.max(now - last, 0)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) + 1)

return {allowed, math.floor(tokens), wait_ms}
`)

// Enabled reports whether the bucket limits anything.
func (l *RedisTokenBucket) Enabled() bool {
	return l != nil && l.Redis != nil && l.Capacity > 0 && l.RefillRate > 0
}

// Allow takes one token for key.
func (l *RedisTokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	if l.Prefix != "" {
		key = l.Prefix + ":" + key
	}

	now := float64(time.Now().UnixMicro()) / 1e6
	reply, err := tokenBucketScript.Run(ctx, l.Redis, []string{key}, l.Capacity, l.RefillRate, now).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply %v", reply)
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  int(reply[1]),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// KeyByRemoteIP keys the bucket on the client address.
func KeyByRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware rejects callers whose bucket is empty with 429 and a
// Retry-After in whole seconds. Requests without a key pass.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Enabled() || keyFn == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
