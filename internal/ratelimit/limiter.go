package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit"

// CounterStore is the minimal counter contract the limiter needs from its
// backing store. Correctness relies on Incr being atomic.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, key string) error
}

// Limiter implements a fixed-window counter throttle. The first request in a
// window starts the clock; requests beyond the limit are rejected until the
// window key expires. Window-boundary bursts of up to twice the limit are an
// accepted tradeoff for O(1) state per key.
type Limiter struct {
	store  CounterStore
	logger *slog.Logger
}

// New builds a Limiter over the provided counter store.
func New(store CounterStore, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger.With("component", "ratelimit"),
	}
}

// Check increments the counter for (identifier, action) and reports whether
// the caller is over the limit, plus how many requests remain in the window.
// If the store is unreachable the limiter fails open: it never blocks
// legitimate use just because the counter backend is down.
func (l *Limiter) Check(ctx context.Context, identifier, action string, limit int, window time.Duration) (limited bool, remaining int) {
	key := counterKey(identifier, action)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.logger.Warn("counter store unreachable, failing open", "key", key, "error", err)
		return false, limit
	}

	if count == 1 {
		if err := l.store.Expire(ctx, key, window); err != nil {
			l.logger.Warn("failed setting window expiry", "key", key, "error", err)
		}
	}

	remaining = limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count > int64(limit), remaining
}

// TimeToReset reports how long until the current window for
// (identifier, action) expires. The boolean is false when no window is
// active.
func (l *Limiter) TimeToReset(ctx context.Context, identifier, action string) (time.Duration, bool) {
	ttl, err := l.store.TTL(ctx, counterKey(identifier, action))
	if err != nil {
		l.logger.Warn("failed reading window ttl", "identifier", identifier, "action", action, "error", err)
		return 0, false
	}
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// Reset deletes the counter key early. Intended for administrative override.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	if err := l.store.Del(ctx, counterKey(identifier, action)); err != nil {
		return fmt.Errorf("reset limit %s/%s: %w", action, identifier, err)
	}
	return nil
}

func counterKey(identifier, action string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, action, identifier)
}

// RedisStore adapts a go-redis client to the CounterStore contract.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client as a CounterStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
