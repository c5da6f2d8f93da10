package worker

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/jobengine/pkg/retry"
	"github.com/jdziat/jobengine/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// QueueConfig holds per queue type settings.
type QueueConfig struct {
	// Concurrency is the number of jobs of this type run at once.
	Concurrency int
	// RateLimit caps dequeues per second across all slots. Zero disables it.
	RateLimit float64
	RateBurst int
}

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues   map[string]*QueueConfig // queue type -> settings
	WorkerID string

	// Lease is the ownership window granted per dequeue.
	Lease time.Duration
	// HeartbeatInterval defaults to Lease/3.
	HeartbeatInterval time.Duration

	// An empty poll sleeps PollInterval plus up to PollJitter.
	PollInterval time.Duration
	PollJitter   time.Duration

	// ErrorBackoff spaces out polls after store errors.
	ErrorBackoff retry.Policy

	Classifier *retry.Classifier
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter

	queueOpts *QueueConfig // set while applying WorkerQueue sub-options
}

// Default worker settings.
const (
	DefaultLease        = 5 * time.Minute
	DefaultPollInterval = time.Second
	DefaultPollJitter   = 500 * time.Millisecond
)

// WorkerQueue adds a queue type to serve, with optional per queue settings.
func WorkerQueue(queueType string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]*QueueConfig)
		}
		qc := &QueueConfig{Concurrency: 1}
		c.Queues[queueType] = qc

		prev := c.queueOpts
		c.queueOpts = qc
		for _, opt := range opts {
			opt.ApplyWorker(c)
		}
		c.queueOpts = prev
	})
}

// Concurrency sets the number of slots. Inside WorkerQueue it applies to that
// queue type; otherwise to every queue type configured so far.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		c.eachQueue(func(qc *QueueConfig) { qc.Concurrency = clamped })
	})
}

// RateLimit caps dequeues per second. Scoped like Concurrency.
func RateLimit(perSecond float64, burst int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.eachQueue(func(qc *QueueConfig) {
			qc.RateLimit = perSecond
			qc.RateBurst = burst
		})
	})
}

// WithWorkerID sets the identity recorded on leased jobs.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.WorkerID = id })
}

// WithLease sets the lease duration.
func WithLease(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Lease = d })
}

// WithHeartbeatInterval overrides the Lease/3 default.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.HeartbeatInterval = d })
}

// WithPollInterval sets the idle poll interval and its random jitter.
func WithPollInterval(interval, jitter time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.PollInterval = interval
		c.PollJitter = jitter
	})
}

// WithClassifier sets the classifier applied to handler errors.
func WithClassifier(cl *retry.Classifier) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Classifier = cl })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Logger = l })
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Tracer = t })
}

// WithMeter sets the meter used for execution metrics.
func WithMeter(m metric.Meter) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Meter = m })
}

func (c *WorkerConfig) eachQueue(fn func(*QueueConfig)) {
	if c.queueOpts != nil {
		fn(c.queueOpts)
		return
	}
	for _, qc := range c.Queues {
		fn(qc)
	}
}
