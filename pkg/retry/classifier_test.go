package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/jobengine/pkg/core"
)

func TestClassify_TransientMessages(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		err  error
	}{
		{"deadlock", errors.New("Deadlock detected")},
		{"semaphore", errors.New("The semaphore timeout period has occurred")},
		{"throttling", errors.New("429 Too Many Requests")},
		{"semaphore short", errors.New("semaphore timeout occurred")},
		{"status code", errors.New("upstream returned status 429")},
		{"throttling lower", fmt.Errorf("call search: %w", errors.New("429 too many requests"))},
		{"upper case", errors.New("DEADLOCK DETECTED")},
		{"sqlite busy", errors.New("database is locked")},
		{"rate limit", errors.New("request rate limit reached")},
		{"nested once", fmt.Errorf("enqueue: %w", errors.New("deadlock detected"))},
		{"nested twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", errors.New("service unavailable")))},
		{"joined", errors.Join(errors.New("first"), errors.New("connection reset by peer"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Retriable, c.Classify(tt.err).Class)
		})
	}
}

func TestClassify_ExecutionTimeout(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, ExecutionTimeout, c.Classify(errors.New("Execution Timeout Expired")).Class)
	assert.Equal(t, ExecutionTimeout, c.Classify(errors.New("canceling statement due to statement timeout")).Class)
	assert.Equal(t, ExecutionTimeout, c.Classify(fmt.Errorf("query: %w", errors.New("query timeout"))).Class)
}

func TestClassify_TransientWinsOverTimeout(t *testing.T) {
	c := NewClassifier()

	err := errors.Join(errors.New("statement timeout"), errors.New("deadlock detected"))
	assert.Equal(t, Retriable, c.Classify(err).Class)
}

func TestClassify_Fatal(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, Fatal, c.Classify(errors.New("invalid operation")).Class)
	assert.Equal(t, Fatal, c.Classify(nil).Class)
	assert.False(t, c.IsRetriable(errors.New("malformed definition")))
	assert.Equal(t, Fatal, c.Classify(errors.New("resource Patient/14290 not found")).Class)
	assert.Equal(t, Fatal, c.Classify(errors.New("please try again with a valid id")).Class)
}

func TestClassify_TypedMarkers(t *testing.T) {
	c := NewClassifier()

	d := c.Classify(fmt.Errorf("step: %w", core.RetryAfter(3*time.Second, errors.New("busy"))))
	assert.Equal(t, Retriable, d.Class)
	assert.Equal(t, 3*time.Second, d.RetryAfter)

	d = c.Classify(&core.RetriableError{Err: errors.New("x"), Delay: time.Second})
	assert.Equal(t, Retriable, d.Class)
	assert.Equal(t, time.Second, d.RetryAfter)

	// NoRetry wins even when the wrapped message looks transient.
	d = c.Classify(core.NoRetry(errors.New("deadlock detected")))
	assert.Equal(t, Fatal, d.Class)
}

type hintedErr struct{ wait time.Duration }

func (e hintedErr) Error() string { return "upstream asked to wait" }
func (e hintedErr) RetryAfter() time.Duration { return e.wait }

func TestClassify_RetryAfterInterface(t *testing.T) {
	d := NewClassifier().Classify(fmt.Errorf("call: %w", hintedErr{wait: 7 * time.Second}))
	assert.Equal(t, Retriable, d.Class)
	assert.Equal(t, 7*time.Second, d.RetryAfter)
}

func TestClassifier_CustomIndicatorsAndMatchers(t *testing.T) {
	sentinel := errors.New("code 1205")
	c := NewClassifier(
		WithTransientIndicators("Shard Moving"),
		WithTimeoutIndicators("took too long"),
		WithMatcher(func(err error) (Decision, bool) {
			if err == sentinel {
				return Decision{Class: Retriable}, true
			}
			return Decision{}, false
		}),
	)

	assert.Equal(t, Retriable, c.Classify(errors.New("shard moving, retry")).Class)
	assert.Equal(t, ExecutionTimeout, c.Classify(errors.New("export took too long")).Class)
	assert.Equal(t, Retriable, c.Classify(fmt.Errorf("sql: %w", sentinel)).Class)

	// The default classifier is not affected.
	assert.Equal(t, Fatal, Default().Classify(errors.New("shard moving, retry")).Class)
}

func TestClassifier_WithCopies(t *testing.T) {
	base := NewClassifier()
	ext := base.With(WithTransientIndicators("flaky"))

	assert.Equal(t, Retriable, ext.Classify(errors.New("flaky backend")).Class)
	assert.Equal(t, Fatal, base.Classify(errors.New("flaky backend")).Class)
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "retriable", Retriable.String())
	assert.Equal(t, "execution_timeout", ExecutionTimeout.String())
	assert.Equal(t, "fatal", Fatal.String())
}
