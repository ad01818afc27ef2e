package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "identify:lock:"
	defaultTTL    = 10 * time.Second
	retryInterval = 25 * time.Millisecond
)

// ErrLockTimeout is returned when a key stays held until the context ends.
var ErrLockTimeout = errors.New("attribute lock not acquired")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient connects to Redis at url. It returns nil when url is empty.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisLocker holds one SET NX key per identity attribute so that identify
// calls sharing an email or phone number run one at a time across instances.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisLocker creates a locker whose keys expire after ttl, or after
// ten seconds when ttl is not positive.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Lock acquires every key, in sorted order, and returns a release func.
func (l *RedisLocker) Lock(ctx context.Context, keys []string) (func(context.Context) error, error) {
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, key := range redisKeys(keys) {
		if err := l.acquire(ctx, key, token); err != nil {
			_ = l.release(context.WithoutCancel(ctx), held, token)
			return nil, err
		}
		held = append(held, key)
	}
	return func(ctx context.Context) error {
		return l.release(ctx, held, token)
	}, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
			}
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, keys []string, token string) error {
	var errs []error
	for _, key := range keys {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("unlock %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// redisKeys prefixes, sorts and dedupes keys so every caller locks in the same order.
func redisKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyPrefix+k)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
