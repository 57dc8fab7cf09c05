package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the client IP address is used.
	KeyFunc func(*http.Request) string
	// Redis, when set, shares the counters between server instances.
	// Otherwise they are kept in process memory.
	Redis goredis.UniversalClient
}

// decision is the limiter's verdict for one request.
type decision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

type limiter interface {
	allow(ctx context.Context, key string, now time.Time) (decision, error)
}

// Both limiters approximate a sliding window from two fixed windows: the
// previous window's count is weighted by how much of it still overlaps.
func slidingCount(prev, curr float64, elapsed, window time.Duration) float64 {
	overlap := 1.0 - elapsed.Seconds()/window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	return prev*overlap + curr
}

// entry tracks request counts across two adjacent windows.
type entry struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

// memoryLimiter keeps per-key windows in process memory.
type memoryLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func newMemoryLimiter(max int, window time.Duration) *memoryLimiter {
	return &memoryLimiter{max: max, window: window, entries: make(map[string]*entry)}
}

func (rl *memoryLimiter) allow(_ context.Context, key string, now time.Time) (decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		e = &entry{currStart: now.Truncate(rl.window)}
		rl.entries[key] = e
	}

	if now.Sub(e.currStart) >= rl.window {
		e.prevCount = e.currCount
		e.prevStart = e.currStart
		e.currCount = 0
		e.currStart = now.Truncate(rl.window)
		if e.currStart.Sub(e.prevStart) > rl.window {
			e.prevCount = 0
		}
	}

	effective := slidingCount(e.prevCount, e.currCount, now.Sub(e.currStart), rl.window)
	d := decision{resetAt: e.currStart.Add(rl.window)}
	if effective >= float64(rl.max) {
		return d, nil
	}
	e.currCount++
	d.allowed = true
	d.remaining = max(int(float64(rl.max)-effective-1), 0)
	return d, nil
}

// cleanup removes entries whose windows have fully expired.
func (rl *memoryLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, e := range rl.entries {
		if now.Sub(e.currStart) >= 2*rl.window {
			delete(rl.entries, key)
		}
	}
}

// startCleanup periodically evicts expired entries until ctx is cancelled.
func (rl *memoryLimiter) startCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.cleanup(now)
			}
		}
	}()
}

var slidingWindowScript = goredis.NewScript(`
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local elapsed = tonumber(ARGV[3])
local overlap = 1 - elapsed / window
if overlap < 0 then
	overlap = 0
end
local effective = prev * overlap + curr
if effective >= max then
	return {0, 0}
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], window * 2)
local remaining = math.floor(max - effective - 1)
if remaining < 0 then
	remaining = 0
end
return {1, remaining}
`)

// redisLimiter keeps one counter per key and window in Redis. Counters
// expire on their own after two windows.
type redisLimiter struct {
	client goredis.UniversalClient
	max    int
	window time.Duration
}

func (rl *redisLimiter) windowKey(key string, start time.Time) string {
	return "ratelimit:" + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

func (rl *redisLimiter) allow(ctx context.Context, key string, now time.Time) (decision, error) {
	start := now.Truncate(rl.window)
	d := decision{resetAt: start.Add(rl.window)}

	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.windowKey(key, start), rl.windowKey(key, start.Add(-rl.window))},
		rl.max, rl.window.Milliseconds(), now.Sub(start).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return d, errors.Wrap(err, "eval rate limit")
	}
	if len(res) != 2 {
		return d, errors.Errorf("unexpected rate limit reply %v", res)
	}
	d.allowed = res[0] == 1
	d.remaining = int(res[1])
	return d, nil
}

// RateLimit returns a middleware that enforces a per-key sliding window rate
// limit. When the limit is exceeded, it responds with 429 Too Many Requests
// and a JSON body. Every response includes X-RateLimit-Limit,
// X-RateLimit-Remaining, and X-RateLimit-Reset headers.
//
// In memory mode a goroutine evicts stale entries until ctx is cancelled.
// In Redis mode a Redis failure lets the request through.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	var rl limiter
	if cfg.Redis != nil {
		rl = &redisLimiter{client: cfg.Redis, max: cfg.Max, window: cfg.Window}
	} else {
		mem := newMemoryLimiter(cfg.Max, cfg.Window)
		mem.startCleanup(ctx)
		rl = mem
	}
	return rateLimitMiddleware(rl, cfg)
}

func rateLimitMiddleware(rl limiter, cfg RateLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := rl.allow(r.Context(), cfg.KeyFunc(r), time.Now())
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))

			if !d.allowed {
				retryAfter := max(time.Until(d.resetAt), 0)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code":    http.StatusTooManyRequests,
					"error":   "rate_limited",
					"message": "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from the request, checking
// X-Forwarded-For first, then X-Real-IP, then falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For may contain a comma-separated list; use the first.
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIKeyOrIP keys requests by a digest of the given credential header, or by
// client IP when the header is absent.
func APIKeyOrIP(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		key := r.Header.Get(header)
		if key == "" {
			return "ip:" + ClientIP(r)
		}
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
}
