// Package storetest opens migrated stores for package tests.
package storetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/jobengine/pkg/retry"
	"github.com/jdziat/jobengine/pkg/storage"
)

// Open returns a migrated GormStorage. It uses PostgreSQL when
// TEST_DATABASE_URL is set and a SQLite file in t.TempDir() otherwise.
// Job backoff is short and has no jitter.
func Open(t testing.TB, opts ...storage.Option) *storage.GormStorage {
	t.Helper()

	base := []storage.Option{
		storage.WithJobBackoff(retry.Policy{
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        100 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
		storage.WithRetryPolicy(retry.Policy{
			MaxAttempts:       5,
			InitialBackoff:    5 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
	}
	s := storage.NewGormStorage(OpenDB(t), append(base, opts...)...)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// OpenDB returns a bare gorm handle chosen the same way as Open.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		require.NoError(t, err, "open postgres test db")
		sqlDB, err := db.DB()
		require.NoError(t, err)
		truncate(db)
		t.Cleanup(func() {
			truncate(db)
			_ = sqlDB.Close()
		})
		return db
	}

	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := gorm.Open(sqlite.Open("file:"+path+"?_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL"), cfg)
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func truncate(db *gorm.DB) {
	for _, tbl := range []string{"jobs", "distributed_locks", "partitions"} {
		if db.Migrator().HasTable(tbl) {
			db.Exec("DELETE FROM " + tbl)
		}
	}
}
