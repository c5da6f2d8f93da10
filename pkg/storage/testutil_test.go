package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/retry"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh file-backed SQLite database in a temp dir. A file is used
// instead of :memory: so every pooled connection sees the same schema.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(t, db)
		t.Cleanup(func() {
			cleanupPostgresDB(t, db)
			_ = sqlDB.Close()
		})
		return db
	}

	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := gorm.Open(sqlite.Open("file:"+path+"?_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without
// requiring a fresh database per test.
func cleanupPostgresDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	for _, tbl := range []string{"jobs", "distributed_locks", "partitions"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage creates a migrated storage. Job backoff has no jitter so
// retry times are predictable.
func newTestStorage(t *testing.T, opts ...Option) *GormStorage {
	t.Helper()
	base := []Option{
		WithJobBackoff(retry.Policy{
			InitialBackoff:    time.Second,
			MaxBackoff:        time.Minute,
			BackoffMultiplier: 2,
		}),
		WithRetryPolicy(retry.Policy{
			MaxAttempts:       5,
			InitialBackoff:    5 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			BackoffMultiplier: 2,
			JitterFraction:    0.1,
		}),
	}
	s := NewGormStorage(openTestDB(t), append(base, opts...)...)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// enqueueOne enqueues a single job and returns it.
func enqueueOne(t *testing.T, s *GormStorage, queueType string, payload string) *core.JobInfo {
	t.Helper()
	jobs, err := s.Enqueue(context.Background(), queueType,
		[]core.JobDefinition{{Payload: []byte(payload)}},
		core.EnqueueOptions{MaxRetries: 3})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

// leaseOne dequeues exactly one job.
func leaseOne(t *testing.T, s *GormStorage, queueType, worker string, lease time.Duration) *core.JobInfo {
	t.Helper()
	jobs, err := s.Dequeue(context.Background(), queueType, worker, lease, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}
