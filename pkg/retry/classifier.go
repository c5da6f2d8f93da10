package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jdziat/jobengine/pkg/core"
)

// Class is the outcome of classifying a failure.
type Class int

const (
	// Fatal failures are never retried.
	Fatal Class = iota
	// Retriable failures are transient and may succeed on another attempt.
	Retriable
	// ExecutionTimeout failures hit a store or server side execution limit.
	// They are distinct from transient faults and are not retried by Do.
	ExecutionTimeout
)

func (c Class) String() string {
	switch c {
	case Retriable:
		return "retriable"
	case ExecutionTimeout:
		return "execution_timeout"
	default:
		return "fatal"
	}
}

// Decision is the classification of one error.
type Decision struct {
	Class Class
	// RetryAfter is the wait the failing party asked for, zero if none.
	RetryAfter time.Duration
}

// Matcher recognises backend specific errors (driver codes, typed errors).
// It reports ok=false when it has no opinion.
type Matcher func(err error) (d Decision, ok bool)

// DefaultTransientIndicators are message fragments of faults worth retrying.
var DefaultTransientIndicators = []string{
	"deadlock",
	"lock request time out",
	"lock wait timeout",
	"lock timeout",
	"could not obtain lock",
	"database is locked",
	"database table is locked",
	"semaphore timeout",
	"status 429",
	"too many requests",
	"throttl",
	"rate limit",
	"request rate is large",
	"service unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"quorum",
	"temporarily unavailable",
	"serialization failure",
	"could not serialize access",
}

// DefaultTimeoutIndicators are message fragments of execution timeouts.
var DefaultTimeoutIndicators = []string{
	"execution timeout expired",
	"statement timeout",
	"canceling statement due to statement timeout",
	"query timeout",
	"timeout period elapsed",
	"deadline exceeded",
}

// Classifier maps errors to retry classes. It is pure and safe for concurrent
// use once built.
type Classifier struct {
	transient []string
	timeouts  []string
	matchers  []Matcher
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithTransientIndicators appends extra transient message fragments.
func WithTransientIndicators(fragments ...string) ClassifierOption {
	return func(c *Classifier) {
		for _, f := range fragments {
			c.transient = append(c.transient, strings.ToLower(f))
		}
	}
}

// WithTimeoutIndicators appends extra execution-timeout message fragments.
func WithTimeoutIndicators(fragments ...string) ClassifierOption {
	return func(c *Classifier) {
		for _, f := range fragments {
			c.timeouts = append(c.timeouts, strings.ToLower(f))
		}
	}
}

// WithMatcher adds a matcher consulted before message inspection.
func WithMatcher(m Matcher) ClassifierOption {
	return func(c *Classifier) {
		c.matchers = append(c.matchers, m)
	}
}

// NewClassifier builds a classifier seeded with the default indicators.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		transient: lowerAll(DefaultTransientIndicators),
		timeouts:  lowerAll(DefaultTimeoutIndicators),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// With returns a copy of c with opts applied.
func (c *Classifier) With(opts ...ClassifierOption) *Classifier {
	cp := &Classifier{
		transient: append([]string(nil), c.transient...),
		timeouts:  append([]string(nil), c.timeouts...),
		matchers:  append([]Matcher(nil), c.matchers...),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

var defaultClassifier = NewClassifier()

// Default returns the shared classifier with default indicators.
func Default() *Classifier { return defaultClassifier }

// Classify inspects err and every error it wraps.
//
// Typed markers win over message inspection, and the outermost marker wins
// over inner ones. Message fragments match case-insensitively anywhere in the
// chain, with transient fragments checked before timeout fragments.
func (c *Classifier) Classify(err error) Decision {
	if err == nil {
		return Decision{Class: Fatal}
	}

	chain := flatten(err)

	for _, e := range chain {
		if d, ok := c.typed(e); ok {
			return d
		}
	}

	msgs := make([]string, len(chain))
	for i, e := range chain {
		msgs[i] = strings.ToLower(e.Error())
	}
	if containsAny(msgs, c.transient) {
		return Decision{Class: Retriable}
	}
	if containsAny(msgs, c.timeouts) {
		return Decision{Class: ExecutionTimeout}
	}
	return Decision{Class: Fatal}
}

// IsRetriable reports whether err classifies as Retriable.
func (c *Classifier) IsRetriable(err error) bool {
	return c.Classify(err).Class == Retriable
}

func (c *Classifier) typed(e error) (Decision, bool) {
	switch t := e.(type) {
	case *core.NoRetryError:
		return Decision{Class: Fatal}, true
	case *core.RetryAfterError:
		return Decision{Class: Retriable, RetryAfter: t.Delay}, true
	case *core.RetriableError:
		return Decision{Class: Retriable, RetryAfter: t.Delay}, true
	case interface{ RetryAfter() time.Duration }:
		return Decision{Class: Retriable, RetryAfter: t.RetryAfter()}, true
	}
	for _, m := range c.matchers {
		if d, ok := m(e); ok {
			return d, true
		}
	}
	return Decision{}, false
}

// flatten walks single and multi-error Unwrap chains breadth first.
func flatten(err error) []error {
	var out []error
	queue := []error{err}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e == nil {
			continue
		}
		out = append(out, e)
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		case interface{ Unwrap() error }:
			queue = append(queue, u.Unwrap())
		}
	}
	return out
}

func containsAny(msgs, fragments []string) bool {
	for _, m := range msgs {
		for _, f := range fragments {
			if f != "" && strings.Contains(m, f) {
				return true
			}
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// IsContextError reports whether err comes from context cancellation.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
