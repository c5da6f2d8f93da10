// Package jobengine is a durable job engine on a shared store.
//
// It re-exports the public types of the pkg/ packages for a single import.
// Jobs are leased under a version compare-and-swap, so any number of
// workers on any number of hosts can share one store.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("jobs.db"), &gorm.Config{})
//	store := jobengine.NewGormStorage(db)
//	store.Migrate(ctx)
//	q := jobengine.New(store)
//
//	reg, _ := jobengine.NewHandlers().
//	    HandleFunc("send-email", func(ctx context.Context, to string) error {
//	        return sendEmail(ctx, to)
//	    }).
//	    Build()
//
//	q.EnqueueJSON(ctx, "send-email", "user@example.com")
//
//	w := jobengine.NewWorker(q, reg, jobengine.Concurrency(4))
//	w.Start(ctx)
//
// Services that read their settings from a file or the environment use
// Open instead, which wires the store, locks, partitions and maintenance
// from a Config.
package jobengine

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/jobengine/internal/config"
	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/engine"
	"github.com/jdziat/jobengine/pkg/handler"
	"github.com/jdziat/jobengine/pkg/jobctx"
	"github.com/jdziat/jobengine/pkg/lock"
	"github.com/jdziat/jobengine/pkg/orchestrator"
	"github.com/jdziat/jobengine/pkg/partition"
	"github.com/jdziat/jobengine/pkg/queue"
	"github.com/jdziat/jobengine/pkg/retry"
	"github.com/jdziat/jobengine/pkg/security"
	"github.com/jdziat/jobengine/pkg/storage"
	"github.com/jdziat/jobengine/pkg/worker"
)

type (
	// JobInfo is the persisted record of a job.
	JobInfo = core.JobInfo

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// JobDefinition is one job to enqueue.
	JobDefinition = core.JobDefinition

	// Store is the full persistence contract.
	Store = core.Store

	// JobStore persists jobs.
	JobStore = core.JobStore

	// Event is the interface for all queue events.
	Event = core.Event

	// JobStarted is emitted when a worker leases a job.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails for good.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a failed job is rescheduled.
	JobRetrying = core.JobRetrying

	// JobCancelled is emitted when a job ends cancelled.
	JobCancelled = core.JobCancelled

	// OwnershipLost is emitted when a worker loses the lease on its job.
	OwnershipLost = core.OwnershipLost

	// NoRetryError marks a failure that must not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError marks a failure to retry after a delay.
	RetryAfterError = core.RetryAfterError

	// JobExecutionError carries a structured failure payload.
	JobExecutionError = core.JobExecutionError

	// Queue enqueues and inspects jobs.
	Queue = queue.Queue

	// Option modifies enqueue Options.
	Option = queue.Option

	// Handler runs one job.
	Handler = handler.Func

	// HandlerBuilder collects handlers into a Registry.
	HandlerBuilder = handler.Builder

	// Registry maps queue types to handlers.
	Registry = handler.Registry

	// Worker leases and runs jobs.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Classifier decides whether a failure is retriable.
	Classifier = retry.Classifier

	// Locker takes named leased locks.
	Locker = lock.Locker

	// Allocator maps partition names to ids.
	Allocator = partition.Allocator

	// Orchestrator fans a paginated search out into a group of jobs.
	Orchestrator = orchestrator.Orchestrator

	// GroupStatus is the aggregate state of a group.
	GroupStatus = orchestrator.GroupStatus

	// Engine bundles the components configured from a Config.
	Engine = engine.Engine

	// Config holds engine settings.
	Config = config.Config

	// GormStorage implements Store on GORM.
	GormStorage = storage.GormStorage
)

// Status constants
const (
	StatusCreated   = core.StatusCreated
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled
)

// Security limits
const (
	MaxQueueTypeLength = security.MaxQueueTypeLength
	MaxDefinitionSize  = security.MaxDefinitionSize
	MaxRetries         = security.MaxRetries
	MaxConcurrency     = security.MaxConcurrency
)

// Error variables
var (
	ErrJobNotExist         = core.ErrJobNotExist
	ErrJobConflict         = core.ErrJobConflict
	ErrJobAlreadyCompleted = core.ErrJobAlreadyCompleted
	ErrNoHandler           = core.ErrNoHandler
	ErrInvalidQueueType    = core.ErrInvalidQueueType
	ErrDefinitionTooLarge  = core.ErrDefinitionTooLarge
	ErrLockBusy            = core.ErrLockBusy
	ErrLockNotHeld         = core.ErrLockNotHeld
)

// DefaultJobRetries is the retry budget of a job enqueued without Retries.
var DefaultJobRetries = queue.DefaultJobRetries

// New creates a Queue on s.
func New(s JobStore) *Queue {
	return queue.New(s)
}

// NewGormStorage creates a GORM backed store.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// LoadConfig reads settings from path (optional) and JOBENGINE_* variables.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Open connects the store and wires every component described by cfg.
func Open(ctx context.Context, cfg *Config, opts ...engine.Option) (*Engine, error) {
	return engine.Open(ctx, cfg, opts...)
}

// NewHandlers starts a handler registry.
func NewHandlers() *HandlerBuilder {
	return handler.NewBuilder()
}

// NewWorker creates a worker running reg's handlers against q.
func NewWorker(q *Queue, reg *Registry, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, reg, opts...)
}

// NewLocker creates a Locker on s.
func NewLocker(s core.LockStore) *Locker {
	return lock.New(s)
}

// NewAllocator creates a partition Allocator on s.
func NewAllocator(s core.PartitionStore) *Allocator {
	return partition.New(s)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// Retriable wraps an error to indicate it is transient.
func Retriable(err error) error {
	return core.Retriable(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Job option functions

// Group adds jobs to an existing group.
func Group(id string) Option {
	return queue.Group(id)
}

// Retries sets the retry budget.
func Retries(n int) Option {
	return queue.Retries(n)
}

// Delay makes the job available after d.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At makes the job available from t.
func At(t time.Time) Option {
	return queue.At(t)
}

// Unique rejects the job while a live job carries key.
func Unique(key string) Option {
	return queue.Unique(key)
}

// Worker option functions

// Concurrency sets the concurrency for a queue.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WorkerQueue adds a queue type with optional per queue settings.
func WorkerQueue(queueType string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(queueType, opts...)
}

// WithLease sets the lease granted on dequeue.
func WithLease(d time.Duration) WorkerOption {
	return worker.WithLease(d)
}

// WithPollInterval sets how often idle slots look for work.
func WithPollInterval(interval, jitter time.Duration) WorkerOption {
	return worker.WithPollInterval(interval, jitter)
}

// JobFromContext returns the job a handler is running, or nil.
func JobFromContext(ctx context.Context) *JobInfo {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the id of the running job, or "".
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}

// CancellationRequested reports whether the running job was asked to stop.
func CancellationRequested(ctx context.Context) bool {
	return jobctx.CancellationRequested(ctx)
}

// SaveProgress stores v as the running job's progress.
func SaveProgress(ctx context.Context, v any) error {
	return jobctx.SaveProgress(ctx, v)
}
