// Package lock provides named, leased mutual exclusion over a core.LockStore.
//
// Acquire never blocks: it either takes the lock or returns ErrBusy. A lease
// that is not renewed expires, after which any caller may take the lock.
//
//	l := lock.New(store)
//	err := l.WithLock(ctx, "purge", hostname, time.Minute, func(ctx context.Context) error {
//		// ctx is cancelled if the lock is lost
//		return purge(ctx)
//	})
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/security"
)

var (
	// ErrBusy is returned by Acquire when another holder owns the lock.
	ErrBusy = core.ErrLockBusy
	// ErrNotHeld is returned when the token no longer owns the lock.
	ErrNotHeld = core.ErrLockNotHeld
)

// Token proves ownership of an acquired lock.
type Token struct {
	Name   string
	Holder string
	Value  string
	Lease  time.Duration
}

// Locker acquires and releases named locks.
type Locker struct {
	store  core.LockStore
	logger *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New creates a Locker backed by store.
func New(store core.LockStore, opts ...Option) *Locker {
	l := &Locker{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the named lock for holder. It returns ErrBusy when the lock is
// held by someone whose lease has not expired.
func (l *Locker) Acquire(ctx context.Context, name, holder string, lease time.Duration) (*Token, error) {
	if err := security.ValidateLockName(name); err != nil {
		return nil, err
	}
	if lease <= 0 {
		return nil, core.ErrInvalidLeaseTimeout
	}

	tok := &Token{Name: name, Holder: holder, Value: uuid.NewString(), Lease: lease}
	ok, err := l.store.TryAcquireLock(ctx, name, holder, tok.Value, lease)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}
	l.logger.Debug("lock acquired", "lock", name, "holder", holder)
	return tok, nil
}

// Release drops the lock. It returns ErrNotHeld when the lease already expired
// and someone else took the lock.
func (l *Locker) Release(ctx context.Context, tok *Token) error {
	ok, err := l.store.ReleaseLock(ctx, tok.Name, tok.Value)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	l.logger.Debug("lock released", "lock", tok.Name, "holder", tok.Holder)
	return nil
}

// Renew extends the lease by lease, or by the original lease when zero.
func (l *Locker) Renew(ctx context.Context, tok *Token, lease time.Duration) error {
	if lease <= 0 {
		lease = tok.Lease
	}
	ok, err := l.store.RenewLock(ctx, tok.Name, tok.Value, lease)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	tok.Lease = lease
	return nil
}

// WithLock runs fn while holding the named lock. The lease is renewed every
// lease/3; fn's context is cancelled when renewal reports the lock lost.
// The lock is released when fn returns.
func (l *Locker) WithLock(ctx context.Context, name, holder string, lease time.Duration, fn func(ctx context.Context) error) error {
	tok, err := l.Acquire(ctx, name, holder, lease)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	renewerDone := make(chan struct{})
	go func() {
		defer close(renewerDone)
		l.renewLoop(fnCtx, tok, cancel, done)
	}()

	fnErr := fn(fnCtx)
	close(done)
	<-renewerDone

	lost := context.Cause(fnCtx)
	if errors.Is(lost, ErrNotHeld) {
		if fnErr == nil {
			fnErr = lost
		}
		return fnErr
	}

	// Release on a fresh context so cancellation of ctx still frees the lock.
	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer relCancel()
	if err := l.Release(relCtx, tok); err != nil {
		l.logger.Warn("failed to release lock", "lock", name, "error", err)
		if fnErr == nil && !errors.Is(err, ErrNotHeld) {
			fnErr = fmt.Errorf("jobengine: release lock %q: %w", name, err)
		}
	}
	return fnErr
}

func (l *Locker) renewLoop(ctx context.Context, tok *Token, cancel context.CancelCauseFunc, done <-chan struct{}) {
	interval := tok.Lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Renew(ctx, tok, tok.Lease)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotHeld):
				l.logger.Warn("lock lost", "lock", tok.Name, "holder", tok.Holder)
				cancel(ErrNotHeld)
				return
			default:
				// Keep trying until the lease actually lapses.
				l.logger.Warn("lock renewal failed", "lock", tok.Name, "error", err)
			}
		}
	}
}
