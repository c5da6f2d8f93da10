package queue

import (
	"time"

	"github.com/jdziat/jobengine/pkg/security"
)

// Options holds configuration for job enqueueing.
type Options struct {
	GroupID    string
	MaxRetries int
	Delay      time.Duration
	RunAt      *time.Time
	DedupKey   string
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		MaxRetries: DefaultJobRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Group adds the jobs to an existing group instead of starting a new one.
func Group(id string) Option {
	return optionFunc(func(o *Options) {
		o.GroupID = id
	})
}

// Retries sets the maximum retry count.
// Values are clamped to [0, MaxRetries] (100).
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
	})
}

// Delay makes the job eligible only after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At makes the job eligible only from a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// Unique rejects the job with core.ErrJobConflict while another live job of
// the same queue type carries key. Only single-job Enqueue honours it; batch
// definitions carry their own keys.
func Unique(key string) Option {
	return optionFunc(func(o *Options) {
		o.DedupKey = key
	})
}

// delay resolves Delay and RunAt against now.
func (o *Options) delay(now time.Time) time.Duration {
	d := o.Delay
	if o.RunAt != nil {
		d = o.RunAt.Sub(now)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// DefaultJobRetries is the retry budget of jobs enqueued without Retries.
var DefaultJobRetries = 3
