// Package redislock implements core.LockStore on Redis.
//
// Each lock is a single key holding the owner's token with a PX expiry.
// Renew and release compare the token inside a Lua script so a holder whose
// lease lapsed can never touch a lock someone else took over.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	locker := lock.New(redislock.New(client))
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/jobengine/pkg/core"
)

const keyPrefix = "jobengine:lock:"

// Compile-time interface check.
var _ core.LockStore = (*Store)(nil)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix changes the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store is a Redis implementation of core.LockStore.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
	prefix string
}

// New creates a Redis lock store. The caller owns the client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), prefix: keyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(name string) string { return s.prefix + name }

// TryAcquireLock sets the key only when it does not exist. Redis expires the
// key when the lease lapses, which frees the lock.
func (s *Store) TryAcquireLock(ctx context.Context, name, holder, token string, lease time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(name), token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("jobengine/redis: acquire lock %q: %w", name, err)
	}
	if ok {
		s.logger.Debug("redis lock acquired", "lock", name, "holder", holder)
	}
	return ok, nil
}

// RenewLock resets the expiry when token still owns the key.
func (s *Store) RenewLock(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.key(name)}, token, lease.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("jobengine/redis: renew lock %q: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLock deletes the key when token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(name)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("jobengine/redis: release lock %q: %w", name, err)
	}
	return n == 1, nil
}
