package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/jobengine/internal/storetest"
	"github.com/jdziat/jobengine/pkg/core"
)

func TestLocker_AcquireRelease(t *testing.T) {
	l := New(storetest.Open(t))
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "purge", "host-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "purge", tok.Name)
	assert.NotEmpty(t, tok.Value)

	_, err = l.Acquire(ctx, "purge", "host-b", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	// Other names are independent.
	other, err := l.Acquire(ctx, "reindex", "host-b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, tok))
	assert.ErrorIs(t, l.Release(ctx, tok), ErrNotHeld)
	require.NoError(t, l.Release(ctx, other))

	tok, err = l.Acquire(ctx, "purge", "host-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "host-b", tok.Holder)
}

func TestLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	l := New(storetest.Open(t))
	ctx := context.Background()

	first, err := l.Acquire(ctx, "purge", "host-a", 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	second, err := l.Acquire(ctx, "purge", "host-b", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(ctx, first), ErrNotHeld)
	assert.ErrorIs(t, l.Renew(ctx, first, time.Minute), ErrNotHeld)
	require.NoError(t, l.Renew(ctx, second, 0))
	require.NoError(t, l.Release(ctx, second))
}

func TestLocker_Validation(t *testing.T) {
	l := New(storetest.Open(t))
	ctx := context.Background()

	_, err := l.Acquire(ctx, "", "h", time.Minute)
	assert.ErrorIs(t, err, core.ErrInvalidLockName)

	_, err = l.Acquire(ctx, "ok", "h", 0)
	assert.ErrorIs(t, err, core.ErrInvalidLeaseTimeout)
}

func TestLocker_ConcurrentAcquireSingleWinner(t *testing.T) {
	l := New(storetest.Open(t))
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Acquire(ctx, "singleton", "h", time.Minute)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrBusy)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLocker_WithLock(t *testing.T) {
	l := New(storetest.Open(t))
	ctx := context.Background()

	ran := false
	err := l.WithLock(ctx, "task", "h", time.Minute, func(ctx context.Context) error {
		ran = true
		_, err := l.Acquire(ctx, "task", "other", time.Minute)
		assert.ErrorIs(t, err, ErrBusy)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released afterwards.
	tok, err := l.Acquire(ctx, "task", "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, tok))

	boom := errors.New("boom")
	err = l.WithLock(ctx, "task", "h", time.Minute, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLocker_WithLockRenews(t *testing.T) {
	l := New(storetest.Open(t))
	ctx := context.Background()

	err := l.WithLock(ctx, "long", "h", 150*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(400 * time.Millisecond)
		_, err := l.Acquire(ctx, "long", "other", time.Minute)
		assert.ErrorIs(t, err, ErrBusy, "renewal should keep the lease alive")
		return ctx.Err()
	})
	require.NoError(t, err)
}

// stealingStore reports every renewal as lost.
type stealingStore struct {
	core.LockStore
	renewals atomic.Int32
}

func (s *stealingStore) RenewLock(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	s.renewals.Add(1)
	return false, nil
}

func TestLocker_WithLockCancelsOnLoss(t *testing.T) {
	store := &stealingStore{LockStore: storetest.Open(t)}
	l := New(store)

	err := l.WithLock(context.Background(), "lost", "h", 30*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("context was not cancelled")
		}
	})
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.GreaterOrEqual(t, store.renewals.Load(), int32(1))
}
