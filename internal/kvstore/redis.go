package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV on top of a Redis-compatible server.
type RedisKV struct {
	client *redis.Client
}

// casScript atomically replaces a key's value only when the current value
// matches. ARGV[3] is the TTL in milliseconds; 0 keeps the key persistent.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  else
    redis.call("SET", KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

// NewRedisKV connects to the store at the given URL
// (e.g. "redis://localhost:6379/0") and verifies the connection.
func NewRedisKV(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: ping: %w", err)
	}
	return &RedisKV{client: client}, nil
}

// Close releases the underlying connection pool.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// Get implements KV.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements KV.
func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

// SetNX implements KV.
func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore: setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndSwap implements KV via a server-side script so the read and the
// conditional write are atomic.
func (r *RedisKV) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, r.client, []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kvstore: cas %s: %w", key, err)
	}
	return res == 1, nil
}

// Delete implements KV.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvstore: del %s: %w", key, err)
	}
	return nil
}

// ScanPrefix implements KV using cursor-based SCAN to avoid blocking the
// server on large keyspaces.
func (r *RedisKV) ScanPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("kvstore: scan %s: %w", prefix, err)
		}
		for _, key := range keys {
			val, err := r.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("kvstore: scan get %s: %w", key, err)
			}
			out[key] = val
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
