package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// pendingMarker claims a key before its outcome is known. Outcome payloads
// are JSON, so the marker can never collide with a real result.
const pendingMarker = "\x00pending"

// Redis is an optional Redis-backed store so deduplication survives process
// restarts. SetNX provides the one-fresh-caller guarantee; losers poll until
// the winner publishes its outcome.
type Redis struct {
	client       *redis.Client
	ttl          time.Duration
	prefix       string
	pollInterval time.Duration
}

// NewRedis creates a Redis-backed store against addr.
func NewRedis(addr string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client:       redis.NewClient(&redis.Options{Addr: addr}),
		ttl:          ttl,
		prefix:       "tradegate:idem:",
		pollInterval: 100 * time.Millisecond,
	}
}

// NewRedisWithClient wraps an existing client, for tests.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	r := NewRedis("", ttl)
	r.client = client
	return r
}

func (r *Redis) key(key string) string { return r.prefix + key }

// Begin claims the key via SetNX or returns the published outcome. While
// another process holds the claim, Begin polls until the outcome appears or
// the context expires.
func (r *Redis) Begin(ctx context.Context, key string) (Outcome, error) {
	if key == "" {
		return Outcome{Fresh: true}, nil
	}
	for {
		ok, err := r.client.SetNX(ctx, r.key(key), pendingMarker, r.ttl).Result()
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency claim failed: %w", err)
		}
		if ok {
			return Outcome{Fresh: true}, nil
		}
		val, err := r.client.Get(ctx, r.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			// Claim released between SetNX and Get; try to claim again.
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if val != pendingMarker {
			return Outcome{Result: []byte(val)}, nil
		}
		select {
		case <-time.After(r.pollInterval):
		case <-ctx.Done():
			return Outcome{}, fmt.Errorf("waiting on idempotency key: %w", ctx.Err())
		}
	}
}

// Complete publishes the outcome for a claimed key.
func (r *Redis) Complete(ctx context.Context, key string, result []byte) error {
	if key == "" {
		return nil
	}
	return r.client.Set(ctx, r.key(key), result, r.ttl).Err()
}

// Abort releases a claimed key.
func (r *Redis) Abort(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return r.client.Del(ctx, r.key(key)).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
