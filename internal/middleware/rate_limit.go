package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ComUnity/audit-service/internal/client"
	"github.com/ComUnity/audit-service/internal/util/logger"
)

// RouteLimit overrides the global limit for a path prefix. The first
// matching prefix wins.
type RouteLimit struct {
	PathPrefix      string        `yaml:"path_prefix"`
	RatePerInterval int           `yaml:"rate_per_interval"`
	Interval        time.Duration `yaml:"interval"`
	Burst           int           `yaml:"burst"`
}

// LimiterConfig tunes the per-client request limiter. With a Redis
// client the buckets are shared across instances; without one each
// instance keeps its own.
type LimiterConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RatePerInterval int           `yaml:"rate_per_interval"` // default 100
	Interval        time.Duration `yaml:"interval"`          // default 1m
	Burst           int           `yaml:"burst"`             // default = rate
	RouteLimits     []RouteLimit  `yaml:"route_limits"`
	KeyPrefix       string        `yaml:"key_prefix"` // default rl:
	BucketTTL       time.Duration `yaml:"bucket_ttl"` // default 1h

	TrustedProxyIPHeaders []string `yaml:"trusted_proxy_ip_headers"`
	TrustedProxyCIDRs     []string `yaml:"trusted_proxy_cidrs"`

	Redis *client.RedisClient `yaml:"-"`
}

// RateLimiter is a token-bucket request limiter keyed by client IP.
type RateLimiter struct {
	cfg      LimiterConfig
	trustedN []*net.IPNet

	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.RatePerInterval <= 0 {
		cfg.RatePerInterval = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerInterval
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = time.Hour
	}
	trusted, err := parseCIDRs(cfg.TrustedProxyCIDRs)
	if err != nil {
		logger.Warn("Ignoring invalid rate limiter proxy CIDRs", "error", err)
		trusted = nil
	}
	return &RateLimiter{
		cfg:      cfg,
		trustedN: trusted,
		buckets:  make(map[string]*tokenBucket),
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rate, interval, burst := rl.cfg.RatePerInterval, rl.cfg.Interval, rl.cfg.Burst
		for _, route := range rl.cfg.RouteLimits {
			if strings.HasPrefix(r.URL.Path, route.PathPrefix) {
				if route.RatePerInterval > 0 {
					rate = route.RatePerInterval
				}
				if route.Interval > 0 {
					interval = route.Interval
				}
				if route.Burst > 0 {
					burst = route.Burst
				}
				break
			}
		}

		key := clientIP(r, rl.cfg.TrustedProxyIPHeaders, rl.trustedN).String()

		if rl.cfg.Redis != nil {
			ok, err := redisAllow(r.Context(), rl.cfg.Redis, rl.cfg.KeyPrefix+key, rate, interval, burst, rl.cfg.BucketTTL)
			if err != nil {
				// Degrade open; the limiter is protection, not policy.
				w.Header().Set("X-RateLimit-Degraded", "true")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				writeTooManyRequests(w, interval)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if !rl.bucket(key, rate, interval, burst).allow() {
			writeTooManyRequests(w, interval)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeTooManyRequests(w http.ResponseWriter, interval time.Duration) {
	secs := int(interval.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(rate int, interval time.Duration, burst int) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: float64(rate) / interval.Seconds(),
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) bucket(key string, rate int, interval time.Duration, burst int) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	b = newBucket(rate, interval, burst)
	rl.buckets[key] = b
	return b
}

var bucketScript = client.NewScript(`
-- KEYS = bucket key
-- ARGV = now_ms, rate_per_sec, capacity, ttl_sec
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if not tokens or not ts then
  tokens = cap
  ts = now
else
  local elapsed = (now - ts) / 1000
  tokens = math.min(cap, tokens + (elapsed * rate))
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", ts)
redis.call("EXPIRE", key, ttl)

return allowed
`)

func redisAllow(ctx context.Context, rdb *client.RedisClient, key string, rate int, interval time.Duration, burst int, ttl time.Duration) (bool, error) {
	res, err := bucketScript.Run(ctx, rdb,
		[]string{key},
		time.Now().UnixMilli(),
		float64(rate)/interval.Seconds(),
		burst,
		int(ttl.Seconds()),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
