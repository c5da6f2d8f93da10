// Package mongostore implements core.Store on MongoDB.
//
// Jobs, locks and partitions live in their own collections. Ownership is
// taken with single-document atomic updates filtered on the job version, so
// the store needs no multi-document transactions.
//
// Usage:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("jobengine"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/retry"
)

// Collection name constants.
const (
	colJobs       = "jobengine_jobs"
	colLocks      = "jobengine_locks"
	colPartitions = "jobengine_partitions"
	colCounters   = "jobengine_counters"
)

// Compile-time interface check.
var _ core.Store = (*Store)(nil)

// Store is a MongoDB implementation of core.Store.
// The caller owns the client lifecycle; Store never disconnects it.
type Store struct {
	db         *mongo.Database
	logger     *slog.Logger
	policy     retry.Policy
	jobBackoff retry.Policy
	classifier *retry.Classifier
	now        func() time.Time

	stagingTimeout time.Duration
}

// DefaultStagingTimeout is how long an enqueued batch may stay unpublished
// before Dequeue removes it.
const DefaultStagingTimeout = 5 * time.Minute

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRetryPolicy sets the policy used to retry transient server faults.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithJobBackoff sets the policy that spaces out retries of failed jobs.
func WithJobBackoff(p retry.Policy) Option {
	return func(s *Store) { s.jobBackoff = p }
}

// WithClassifier replaces the fault classifier. MongoDB error matching is
// added on top of it.
func WithClassifier(c *retry.Classifier) Option {
	return func(s *Store) { s.classifier = c }
}

// WithStagingTimeout sets how long an unpublished batch is kept.
func WithStagingTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.stagingTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new MongoDB store on db.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		db:         db,
		logger:     slog.Default(),
		policy:     retry.DefaultPolicy(),
		jobBackoff: retry.DefaultJobBackoff(),
		classifier: retry.Default(),
		now:        time.Now,

		stagingTimeout: DefaultStagingTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.classifier = s.classifier.With(retry.WithMatcher(ClassifyMongoError))
	return s
}

// Database returns the underlying database handle.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all engine collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("jobengine/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────────────

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) jobs() *mongo.Collection { return s.db.Collection(colJobs) }

func (s *Store) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, s.classifier, op)
}

// ClassifyMongoError is a retry.Matcher for MongoDB driver errors.
func ClassifyMongoError(err error) (retry.Decision, bool) {
	var se mongo.ServerError
	if errors.As(err, &se) &&
		(se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("RetryableWriteError")) {
		return retry.Decision{Class: retry.Retriable}, true
	}
	if mongo.IsNetworkError(err) {
		return retry.Decision{Class: retry.Retriable}, true
	}
	if mongo.IsTimeout(err) {
		return retry.Decision{Class: retry.ExecutionTimeout}, true
	}
	return retry.Decision{}, false
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all engine collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colJobs: {
			// Dequeue of created jobs.
			{Keys: bson.D{
				{Key: "queue_type", Value: 1},
				{Key: "status", Value: 1},
				{Key: "available_at", Value: 1},
				{Key: "create_date", Value: 1},
			}},
			// Reclamation of expired leases.
			{Keys: bson.D{
				{Key: "queue_type", Value: 1},
				{Key: "status", Value: 1},
				{Key: "heartbeat_deadline", Value: 1},
			}},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "create_date", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_date", Value: 1}}},
			// One live job per dedup key.
			{
				Keys: bson.D{{Key: "active_dedup_key", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"active_dedup_key": bson.M{"$exists": true}}),
			},
		},
		colLocks: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colPartitions: {
			{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
