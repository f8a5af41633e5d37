package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/asklive/session-server-go/internal/httputil"
)

const (
	rateLimitKeyPrefix = "ratelimit:"
	rateLimitWindow    = 60 * time.Second
)

var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    return 0
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return 1
`)

// RateLimitMiddleware enforces a per-client sliding-window request limit
// backed by redis, keyed by remote IP. A redis failure allows the request:
// the limiter protects capacity, it is not an auth boundary.
type RateLimitMiddleware struct {
	client *redis.Client
	limit  int
}

func NewRateLimitMiddleware(client *redis.Client, limit int) *RateLimitMiddleware {
	return &RateLimitMiddleware{client: client, limit: limit}
}

func (m *RateLimitMiddleware) allow(ctx context.Context, key string) bool {
	now := time.Now().Unix()
	result, err := rateLimitScript.Run(ctx, m.client,
		[]string{rateLimitKeyPrefix + key},
		now, int64(rateLimitWindow.Seconds()), m.limit,
	).Int64()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return true
	}
	return result == 1
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !m.allow(r.Context(), ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware has already rewritten RemoteAddr when a
	// forwarding header is present
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
