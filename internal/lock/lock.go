// Package lock serializes destructive mailbox checks across harness runs
// that share one mail service.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/retry"
)

var (
	// ErrLocked is returned when another holder owns the lock.
	ErrLocked = errors.New("lock held by another run")
	// ErrNotHeld is returned by a release whose lease has already expired
	// or been taken over.
	ErrNotHeld = errors.New("lock no longer held")
)

// Release gives a lock back.
type Release func(ctx context.Context) error

// Locker hands out named, expiring locks.
type Locker interface {
	Acquire(ctx context.Context, name string) (Release, error)
	Close() error
}

// New returns a Redis-backed Locker when cfg enables it, otherwise a
// NoopLocker.
func New(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (Locker, error) {
	if !cfg.Enabled {
		return NoopLocker{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing lock redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to lock redis: %w", err)
	}

	logger.Debug("mailbox lock enabled", slog.String("addr", opts.Addr), slog.String("prefix", cfg.Prefix))
	return NewRedisLocker(client, cfg.Prefix, cfg.LockTTL(), logger), nil
}

// NoopLocker grants every lock immediately.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

func (NoopLocker) Close() error { return nil }

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker wraps an existing client. Locks expire after ttl even if
// never released.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Acquire takes the lock called name or fails with ErrLocked.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (Release, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	l.logger.Debug("lock acquired", slog.String("key", key))

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("releasing lock %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotHeld, name)
		}
		l.logger.Debug("lock released", slog.String("key", key))
		return nil
	}, nil
}

// Close closes the underlying Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Wait acquires name, retrying under p while another run holds it.
func Wait(ctx context.Context, l Locker, name string, p retry.Policy) (Release, error) {
	var release Release
	_, err := retry.Until(ctx, p, func(ctx context.Context) (bool, error) {
		r, err := l.Acquire(ctx, name)
		if errors.Is(err, ErrLocked) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		release = r
		return true, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}
