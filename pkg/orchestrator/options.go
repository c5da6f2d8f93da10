package orchestrator

import (
	"log/slog"

	"github.com/jdziat/jobengine/pkg/queue"
)

// Strategy decides how a finished group resolves.
type Strategy string

const (
	// StrategyAllMustSucceed resolves Failed if any member failed, else
	// Cancelled if any was cancelled, else Completed.
	StrategyAllMustSucceed Strategy = "all_must_succeed"
	// StrategyThreshold resolves Completed when the completed fraction reaches
	// the threshold.
	StrategyThreshold Strategy = "threshold"
)

// DefaultMaxFailures bounds GroupStatus.Failures.
const DefaultMaxFailures = 10

// Option configures an Orchestrator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	strategy        Strategy
	threshold       float64
	batchSize       int
	retries         int
	maxFailures     int
	cancelOnFailure bool
	logger          *slog.Logger
}

func defaultConfig() *config {
	return &config{
		strategy:    StrategyAllMustSucceed,
		threshold:   1.0,
		batchSize:   1,
		retries:     queue.DefaultJobRetries,
		maxFailures: DefaultMaxFailures,
		logger:      slog.Default(),
	}
}

// AllMustSucceed resolves the group Failed when any member failed.
func AllMustSucceed() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyAllMustSucceed
		c.threshold = 1.0
	})
}

// Threshold resolves the group Completed when at least pct (0..1) of its
// members completed.
func Threshold(pct float64) Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyThreshold
		c.threshold = min(max(pct, 0), 1)
	})
}

// WithBatchSize packs up to n items into each child job. Batched children
// receive a definition built by EncodeBatch.
func WithBatchSize(n int) Option {
	return optionFunc(func(c *config) {
		c.batchSize = max(n, 1)
	})
}

// WithRetries sets the retry budget of child jobs.
func WithRetries(n int) Option {
	return optionFunc(func(c *config) {
		c.retries = n
	})
}

// WithMaxFailures bounds how many failures GroupStatus reports.
func WithMaxFailures(n int) Option {
	return optionFunc(func(c *config) {
		c.maxFailures = max(n, 0)
	})
}

// CancelOnFailure requests cancellation of the remaining members as soon as
// Poll observes a failed one.
func CancelOnFailure() Option {
	return optionFunc(func(c *config) {
		c.cancelOnFailure = true
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) {
		c.logger = l
	})
}
