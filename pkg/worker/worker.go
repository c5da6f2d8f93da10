package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/handler"
	"github.com/jdziat/jobengine/pkg/queue"
	"github.com/jdziat/jobengine/pkg/retry"
)

// Compile-time interface check.
var _ core.Starter = (*Worker)(nil)

// Worker leases jobs from the store and runs their handlers.
type Worker struct {
	queue    *queue.Queue
	registry *handler.Registry
	config   WorkerConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *instruments
}

// NewWorker creates a new worker for the given queue and handler registry.
// Without WorkerQueue options it serves every registered queue type with one
// slot each.
func NewWorker(q *queue.Queue, reg *handler.Registry, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		WorkerID:     uuid.New().String(),
		Lease:        DefaultLease,
		PollInterval: DefaultPollInterval,
		PollJitter:   DefaultPollJitter,
		ErrorBackoff: retry.Policy{
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		},
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Queues == nil {
		config.Queues = make(map[string]*QueueConfig)
		for _, qt := range reg.QueueTypes() {
			config.Queues[qt] = &QueueConfig{Concurrency: 1}
		}
	}
	if config.Lease <= 0 {
		config.Lease = DefaultLease
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.Lease {
		config.HeartbeatInterval = config.Lease / 3
	}
	if config.Classifier == nil {
		config.Classifier = retry.Default()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(instrumentationName)
	}
	if config.Meter == nil {
		config.Meter = otel.Meter(instrumentationName)
	}

	return &Worker{
		queue:    q,
		registry: reg,
		config:   config,
		logger:   config.Logger.With("worker_id", config.WorkerID),
		tracer:   config.Tracer,
		metrics:  newInstruments(config.Meter),
	}
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.config.WorkerID }

// Start begins processing jobs. Blocks until context is cancelled.
// Jobs in flight at shutdown are abandoned without further writes; their
// leases expire and another worker picks them up.
func (w *Worker) Start(ctx context.Context) error {
	var g errgroup.Group
	for qt, qc := range w.config.Queues {
		var limiter *rate.Limiter
		if qc.RateLimit > 0 {
			burst := qc.RateBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(qc.RateLimit), burst)
		}
		for i := 0; i < qc.Concurrency; i++ {
			g.Go(func() error {
				w.slotLoop(ctx, qt, limiter)
				return nil
			})
		}
	}

	w.logger.Info("worker started", "queues", len(w.config.Queues))
	_ = g.Wait()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

func (w *Worker) slotLoop(ctx context.Context, queueType string, limiter *rate.Limiter) {
	failures := 0
	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		jobs, err := w.queue.Store().Dequeue(ctx, queueType, w.config.WorkerID, w.config.Lease, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.logger.Error("failed to dequeue", "queue_type", queueType, "error", err)
			sleep(ctx, w.config.ErrorBackoff.Delay(failures))
			continue
		}
		failures = 0

		if len(jobs) == 0 {
			sleep(ctx, w.pollDelay())
			continue
		}
		for _, job := range jobs {
			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) pollDelay() time.Duration {
	d := w.config.PollInterval
	if w.config.PollJitter > 0 {
		d += rand.N(w.config.PollJitter)
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// isOwnershipLoss reports whether err means another worker owns the job now.
func isOwnershipLoss(err error) bool {
	return errors.Is(err, core.ErrJobConflict) || errors.Is(err, core.ErrJobNotExist)
}
