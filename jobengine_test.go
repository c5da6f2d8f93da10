package jobengine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/jobengine"
	"github.com/jdziat/jobengine/internal/storetest"
)

func startWorker(t *testing.T, w *jobengine.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, q *jobengine.Queue, id string, status jobengine.JobStatus) *jobengine.JobInfo {
	t.Helper()
	var job *jobengine.JobInfo
	require.Eventually(t, func() bool {
		var err error
		job, err = q.GetJob(context.Background(), id)
		return err == nil && job.Status == status
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestFacade_EnqueueAndRun(t *testing.T) {
	ctx := context.Background()
	store := jobengine.NewGormStorage(storetest.OpenDB(t))
	require.NoError(t, store.Migrate(ctx))
	q := jobengine.New(store)

	reg, err := jobengine.NewHandlers().
		HandleFunc("shout", func(ctx context.Context, s string) (string, error) {
			if jobengine.JobIDFromContext(ctx) == "" {
				return "", errors.New("missing job context")
			}
			return strings.ToUpper(s), nil
		}).
		HandleFunc("reject", func(context.Context, string) error {
			return jobengine.NoRetry(errors.New("bad input"))
		}).
		Build()
	require.NoError(t, err)

	startWorker(t, jobengine.NewWorker(q, reg,
		jobengine.Concurrency(2),
		jobengine.WithPollInterval(10*time.Millisecond, 5*time.Millisecond),
	))

	ok, err := q.EnqueueJSON(ctx, "shout", "hello")
	require.NoError(t, err)
	bad, err := q.EnqueueJSON(ctx, "reject", "x", jobengine.Retries(5))
	require.NoError(t, err)

	done := waitFor(t, q, ok.ID, jobengine.StatusCompleted)
	assert.JSONEq(t, `"HELLO"`, string(done.Result))

	failed := waitFor(t, q, bad.ID, jobengine.StatusFailed)
	assert.Equal(t, 1, failed.Attempts, "fatal failures are not retried")
	assert.Contains(t, failed.LastError, "bad input")
}

func TestFacade_UniqueRejectsLiveDuplicate(t *testing.T) {
	ctx := context.Background()
	store := jobengine.NewGormStorage(storetest.OpenDB(t))
	require.NoError(t, store.Migrate(ctx))
	q := jobengine.New(store)

	_, err := q.Enqueue(ctx, "report", nil, jobengine.Unique("2026-10-19"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "report", nil, jobengine.Unique("2026-10-19"))
	assert.ErrorIs(t, err, jobengine.ErrJobConflict)
}

func TestFacade_OpenFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg, err := jobengine.LoadConfig("")
	require.NoError(t, err)
	cfg.Database.DSN = "file:" + filepath.Join(t.TempDir(), "facade.db") + "?_busy_timeout=5000"

	e, err := jobengine.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Migrate(ctx))

	id, err := e.Partitions().GetOrCreatePartitionID(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Positive(t, id)

	tok, err := e.Locker().Acquire(ctx, "facade", "test", time.Minute)
	require.NoError(t, err)
	_, err = e.Locker().Acquire(ctx, "facade", "other", time.Minute)
	assert.ErrorIs(t, err, jobengine.ErrLockBusy)
	require.NoError(t, e.Locker().Release(ctx, tok))
}
