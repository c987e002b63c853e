// Package redis provides a Redis-backed storage.CounterStore so that several
// server instances share one view of rate-limit attempts.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goldencompasses/lodge/storage"
)

// incrementScript applies one attempt to a counter hash. The window is
// anchored at the first attempt and the key expires when it closes.
var incrementScript = goredis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if start == nil or now >= start + window then
  redis.call('HSET', KEYS[1], 'count', 1, 'start', now)
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, now}
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, start}
`)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// CounterStore implements storage.CounterStore on Redis.
type CounterStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.CounterStore = (*CounterStore)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*CounterStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewCounterStore(client, opts.Prefix), nil
}

// NewCounterStore wraps an existing client. An empty prefix defaults to
// "lodge:ratelimit:".
func NewCounterStore(client goredis.UniversalClient, prefix string) *CounterStore {
	if prefix == "" {
		prefix = "lodge:ratelimit:"
	}
	return &CounterStore{client: client, prefix: prefix}
}

func (s *CounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (storage.Counter, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return storage.Counter{}, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if len(res) != 2 {
		return storage.Counter{}, fmt.Errorf("incrementing %s: unexpected reply %v", key, res)
	}
	return storage.Counter{
		Key:         key,
		Count:       int(res[0]),
		WindowStart: time.UnixMilli(res[1]).UTC(),
	}, nil
}

// DeleteStaleCounters is a no-op: every key carries a PEXPIRE matching its
// window, so Redis drops stale counters itself.
func (s *CounterStore) DeleteStaleCounters(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close closes the underlying client.
func (s *CounterStore) Close() error {
	return s.client.Close()
}
