package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle admits at most limit events per key per fixed window.
type Throttle interface {
	Allow(ctx context.Context, key string) bool
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

func windowSlot(now time.Time, window time.Duration) int64 {
	return now.UTC().UnixMilli() / window.Milliseconds()
}

func checkParams(limit int, window time.Duration) error {
	if limit <= 0 || window < time.Millisecond {
		return errors.New("throttle requires positive limit and window")
	}
	return nil
}

// MemoryThrottle keeps counters in-process.
type MemoryThrottle struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	slot    int64
	counter map[string]int
}

func NewMemoryThrottle(limit int, window time.Duration) (*MemoryThrottle, error) {
	if err := checkParams(limit, window); err != nil {
		return nil, err
	}
	return &MemoryThrottle{limit: limit, window: window, now: time.Now, counter: make(map[string]int)}, nil
}

func (m *MemoryThrottle) Allow(_ context.Context, key string) bool {
	slot := windowSlot(m.now(), m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot != m.slot {
		m.slot = slot
		m.counter = make(map[string]int)
	}
	m.counter[normalizeKey(key)]++
	return m.counter[normalizeKey(key)] <= m.limit
}

// RedisThrottle shares counters across bridge instances.
type RedisThrottle struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
}

func NewRedisThrottle(addr, password, prefix string, limit int, window time.Duration) (*RedisThrottle, error) {
	if err := checkParams(limit, window); err != nil {
		return nil, err
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("throttle redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "gmailbridge:throttle"
	}
	return &RedisThrottle{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Allow fails open on Redis errors.
func (r *RedisThrottle) Allow(ctx context.Context, key string) bool {
	windowMs := r.window.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", r.prefix, normalizeKey(key), windowSlot(time.Now(), r.window))
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, r.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		slog.Warn("throttle unavailable", "key", key, "err", err)
		return true
	}
	return count <= int64(r.limit)
}

func (r *RedisThrottle) Close() error {
	return r.client.Close()
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
