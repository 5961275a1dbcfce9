package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a distributed key-value backend on go-redis. Expiration is
// delegated to the server's native TTL support, so expired entries are
// evicted by the store itself and DeleteExpired has nothing left to do.
// Note that server-side eviction also retires entries that would otherwise
// still be usable under a stale-while-revalidate or stale-if-error budget.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. All keys are namespaced under prefix
// (default "recache").
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "recache"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) name(key string) string {
	return r.prefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.name(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, expires time.Time) error {
	var ttl time.Duration
	if !expires.IsZero() {
		ttl = time.Until(expires)
		if ttl <= 0 {
			// already expired on arrival; keep it visible for a beat so a
			// write immediately followed by a read still behaves last-write-wins
			ttl = time.Second
		}
	}
	if err := r.client.Set(ctx, r.name(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.name(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.name(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (r *Redis) Keys(ctx context.Context, fn func(string) bool) error {
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if !fn(iter.Val()[len(r.prefix)+1:]) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Values(ctx context.Context, fn func([]byte) bool) error {
	return r.Keys(ctx, func(key string) bool {
		b, err := r.client.Get(ctx, r.name(key)).Bytes()
		if err != nil {
			// entry may have expired between SCAN and GET
			return true
		}
		return fn(b)
	})
}

func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Count(ctx context.Context) (int, error) {
	count := 0
	err := r.Keys(ctx, func(string) bool {
		count++
		return true
	})
	return count, err
}

// DeleteExpired is a no-op: the server enforces TTLs natively.
func (r *Redis) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
