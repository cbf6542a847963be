// Package lock provides short lived distributed mutexes backed by Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL           = 10 * time.Second
	defaultWaitTimeout   = 3 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	keyPrefix            = "lock:"
)

// ErrNotAcquired is returned when the lock stays held by someone else for the whole wait window.
var ErrNotAcquired = errors.New("lock: not acquired")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Option customises a RedisLocker.
type Option func(*RedisLocker)

// WithTTL bounds how long a crashed holder can block others.
func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithWaitTimeout caps how long Acquire keeps retrying.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(l *RedisLocker) {
		if timeout >= 0 {
			l.wait = timeout
		}
	}
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(interval time.Duration) Option {
	return func(l *RedisLocker) {
		if interval > 0 {
			l.retry = interval
		}
	}
}

// RedisLocker implements a single instance SET NX PX lock.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	token  func() string
}

// NewRedisLocker builds a locker over client.
func NewRedisLocker(client redis.UniversalClient, opts ...Option) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("lock: redis client is required")
	}
	l := &RedisLocker{
		client: client,
		ttl:    defaultTTL,
		wait:   defaultWaitTimeout,
		retry:  defaultRetryInterval,
		token:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Acquire blocks until key is held or the wait window elapses. The returned release func is safe
// to call after the TTL expired; it never deletes a lock acquired by another holder.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock: key is required")
	}
	fullKey := keyPrefix + key
	token := l.token()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("lock: release %s: %w", key, err)
				}
				return nil
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Ping reports whether Redis is reachable.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
