// Package ratelimit provides the per-IP limiter used in front of every route
// and an optional Redis token bucket shared by all replicas, keyed by tenant.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter keeps one token bucket per client IP in memory.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewIPLimiter starts a limiter allowing rps requests per second with the
// given burst. Visitors idle for three minutes are forgotten.
func NewIPLimiter(rps, burst int) *IPLimiter {
	l := &IPLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		done:     make(chan struct{}),
	}
	go l.cleanup(time.Minute)
	return l
}

// Allow consumes one token for key.
func (l *IPLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow(), nil
}

func (l *IPLimiter) cleanup(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if time.Since(v.lastSeen) > l.idle {
					delete(l.visitors, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the cleanup loop.
func (l *IPLimiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// ClientIP extracts the host part of a RemoteAddr.
func ClientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(remoteAddr, "["), "]")
	}
	return ip
}

// tokenBucket refills and consumes atomically.
// KEYS[1] bucket key; ARGV rate (tokens/s), capacity, cost, now (unix seconds).
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiter is a token bucket per key stored in Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	rps    float64
	burst  int
	prefix string
	clock  func() time.Time
}

// NewRedisLimiter wraps an existing client.
func NewRedisLimiter(client redis.UniversalClient, rps, burst int) *RedisLimiter {
	r := float64(rps)
	if r <= 0 {
		r = 1
	}
	return &RedisLimiter{client: client, rps: r, burst: burst, prefix: "settld:ratelimit:", clock: time.Now}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

// Allow consumes one token for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.clock().UnixMicro()) / 1e6
	res, err := tokenBucket.Run(ctx, l.client, []string{l.prefix + key}, l.rps, l.burst, 1, now).Slice()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	return allowed == 1, nil
}
