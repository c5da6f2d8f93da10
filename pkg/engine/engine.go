// Package engine assembles a job store, lock, partition allocator, workers
// and maintenance from configuration and manages their lifecycle.
//
//	cfg, _ := config.Load("jobengine.yaml")
//	eng, _ := engine.Open(ctx, cfg)
//	defer eng.Close()
//	eng.Start(ctx, registry)
//	...
//	eng.Stop(ctx)
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/jobengine/internal/config"
	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/handler"
	"github.com/jdziat/jobengine/pkg/lock"
	"github.com/jdziat/jobengine/pkg/maintenance"
	"github.com/jdziat/jobengine/pkg/orchestrator"
	"github.com/jdziat/jobengine/pkg/partition"
	"github.com/jdziat/jobengine/pkg/queue"
	"github.com/jdziat/jobengine/pkg/worker"
)

var (
	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("jobengine: engine already started")
	// ErrNotStarted is returned by Stop on an engine that is not running.
	ErrNotStarted = errors.New("jobengine: engine not started")
)

// Engine owns the store connection and the background services built on it.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store       core.Store
	queue       *queue.Queue
	locker      *lock.Locker
	partitions  *partition.Allocator
	maintenance *maintenance.Scheduler

	workerOpts []worker.WorkerOption
	closers    []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

// Option configures an Engine.
type Option func(*openOptions)

type openOptions struct {
	logger      *slog.Logger
	store       core.Store
	autoMigrate bool
	workerOpts  []worker.WorkerOption
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithStore uses an already opened store instead of connecting to
// cfg.Database. The caller keeps ownership of it.
func WithStore(s core.Store) Option {
	return func(o *openOptions) { o.store = s }
}

// WithAutoMigrate creates tables and indexes during Open.
func WithAutoMigrate() Option {
	return func(o *openOptions) { o.autoMigrate = true }
}

// WithWorkerOptions appends worker options after the configured ones.
func WithWorkerOptions(opts ...worker.WorkerOption) Option {
	return func(o *openOptions) { o.workerOpts = append(o.workerOpts, opts...) }
}

// Open connects the configured backends and builds the engine. Nothing runs
// in the background until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := &openOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{cfg: cfg, logger: o.logger, workerOpts: o.workerOpts}

	e.store = o.store
	if e.store == nil {
		store, closeFn, err := openStore(ctx, cfg, o.logger)
		if err != nil {
			return nil, err
		}
		e.store = store
		e.closers = append(e.closers, closeFn)
	}

	if err := e.store.Ping(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("jobengine: ping store: %w", err)
	}
	if o.autoMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("jobengine: migrate: %w", err)
		}
	}

	lockStore, closeFn, err := openLockStore(cfg.Lock, e.store, o.logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	if closeFn != nil {
		e.closers = append(e.closers, closeFn)
	}

	e.queue = queue.New(e.store, queue.WithDefaultRetries(cfg.Worker.MaxRetries))
	e.locker = lock.New(lockStore, lock.WithLogger(o.logger))
	e.partitions = partition.New(e.store, partition.WithLogger(o.logger))
	e.maintenance = maintenance.New(e.locker,
		maintenance.WithLockLease(cfg.Lock.Lease),
		maintenance.WithLogger(o.logger),
	)
	if cfg.Maintenance.Enabled {
		task := maintenance.PurgeTask(e.store, cfg.Maintenance.Retention, cfg.Maintenance.PurgeSchedule, o.logger)
		if err := e.maintenance.Register(task); err != nil {
			_ = e.Close()
			return nil, err
		}
	}

	o.logger.Info("engine opened", "driver", cfg.Database.Driver, "lock_backend", cfg.Lock.Backend)
	return e, nil
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the job store.
func (e *Engine) Store() core.Store { return e.store }

// Queue returns the queue facade.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Locker returns the distributed lock.
func (e *Engine) Locker() *lock.Locker { return e.locker }

// Partitions returns the partition allocator.
func (e *Engine) Partitions() *partition.Allocator { return e.partitions }

// Maintenance returns the housekeeping scheduler. Tasks registered before
// Start are scheduled.
func (e *Engine) Maintenance() *maintenance.Scheduler { return e.maintenance }

// Migrate creates tables and indexes.
func (e *Engine) Migrate(ctx context.Context) error { return e.store.Migrate(ctx) }

// Orchestrator builds a group orchestrator on the engine's queue.
func (e *Engine) Orchestrator(s orchestrator.Searcher, childQueueType string, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	opts = append([]orchestrator.Option{
		orchestrator.WithLogger(e.logger),
		orchestrator.WithRetries(e.cfg.Worker.MaxRetries),
	}, opts...)
	return orchestrator.New(e.queue, s, childQueueType, opts...)
}

// NewWorker builds a worker for reg from the worker configuration.
func (e *Engine) NewWorker(reg *handler.Registry) *worker.Worker {
	wc := e.cfg.Worker
	queues := wc.Queues
	if len(queues) == 0 {
		queues = reg.QueueTypes()
	}

	opts := []worker.WorkerOption{
		worker.WithLease(wc.Lease),
		worker.WithHeartbeatInterval(wc.HeartbeatInterval),
		worker.WithPollInterval(wc.PollInterval, wc.PollJitter),
		worker.WithLogger(e.logger),
	}
	if wc.ID != "" {
		opts = append(opts, worker.WithWorkerID(wc.ID))
	}
	for _, qt := range queues {
		opts = append(opts, worker.WorkerQueue(qt, worker.Concurrency(wc.Concurrency)))
	}
	return worker.NewWorker(e.queue, reg, append(opts, e.workerOpts...)...)
}

// Start runs a worker for reg and, when enabled, the maintenance scheduler
// in the background. It returns once they are launched.
func (e *Engine) Start(ctx context.Context, reg *handler.Registry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	w := e.NewWorker(reg)
	runMaintenance := e.cfg.Maintenance.Enabled && len(e.maintenance.Tasks()) > 0

	services := []core.Starter{w}
	if runMaintenance {
		services = append(services, e.maintenance)
	}

	go func() {
		defer close(e.done)
		g, gctx := errgroup.WithContext(runCtx)
		for _, svc := range services {
			g.Go(func() error { return ignoreCanceled(svc.Start(gctx)) })
		}
		err := g.Wait()

		e.mu.Lock()
		e.runErr = err
		e.mu.Unlock()
	}()

	e.logger.Info("engine started", "worker_id", w.ID(), "maintenance", runMaintenance)
	return nil
}

// Run starts the engine and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, reg *handler.Registry) error {
	if err := e.Start(ctx, reg); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop(context.WithoutCancel(ctx))
}

// Stop signals the background services and waits for them, or for ctx.
// Jobs in flight are abandoned; their leases expire and other workers
// reclaim them.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.logger.Info("engine stopped")
	return e.runErr
}

// Close stops the engine if needed and releases every connection it opened.
func (e *Engine) Close() error {
	e.mu.Lock()
	running := e.started
	e.mu.Unlock()

	var errs []error
	if running {
		if err := e.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
