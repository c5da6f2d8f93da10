// Package storage provides storage implementations for the job engine.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/retry"
)

// Compile-time interface check.
var _ core.Store = (*GormStorage)(nil)

// GormStorage implements core.Store using GORM.
//
// The caller owns the *gorm.DB; Close does not close it.
type GormStorage struct {
	db         *gorm.DB
	logger     *slog.Logger
	policy     retry.Policy
	jobBackoff retry.Policy
	classifier *retry.Classifier
	now        func() time.Time
}

// Option configures a GormStorage.
type Option func(*GormStorage)

// WithLogger sets the logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *GormStorage) { s.logger = l }
}

// WithRetryPolicy sets the policy used to retry transient database faults.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *GormStorage) { s.policy = p }
}

// WithJobBackoff sets the policy that spaces out retries of failed jobs.
func WithJobBackoff(p retry.Policy) Option {
	return func(s *GormStorage) { s.jobBackoff = p }
}

// WithClassifier replaces the fault classifier. Driver error matching is
// added on top of it.
func WithClassifier(c *retry.Classifier) Option {
	return func(s *GormStorage) { s.classifier = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *GormStorage) { s.now = now }
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...Option) *GormStorage {
	s := &GormStorage{
		db:         db,
		logger:     slog.Default(),
		policy:     retry.DefaultPolicy(),
		jobBackoff: retry.DefaultJobBackoff(),
		classifier: retry.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.classifier = s.classifier.With(retry.WithMatcher(ClassifyDriverError))
	return s
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB { return s.db }

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&core.JobInfo{},
		&core.DistributedLock{},
		&core.Partition{},
	)
	if err != nil {
		return fmt.Errorf("jobengine/gorm: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op because the caller owns the *gorm.DB lifecycle.
func (s *GormStorage) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────────────

func (s *GormStorage) clock() time.Time {
	return s.now().UTC()
}

func (s *GormStorage) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// withRetry runs op under the store retry policy.
func (s *GormStorage) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, s.classifier, op)
}
