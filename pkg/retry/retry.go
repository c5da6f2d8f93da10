package retry

import (
	"context"
	"time"
)

// Do executes op until it succeeds, fails with a non-retriable error, or
// exhausts p.MaxAttempts. Only failures the classifier marks Retriable are
// retried. The last error is returned unchanged so callers can still match it.
func Do(ctx context.Context, p Policy, c *Classifier, op func(ctx context.Context) error) error {
	if c == nil {
		c = Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		// Don't retry on context cancellation
		if IsContextError(lastErr) || ctx.Err() != nil {
			return lastErr
		}

		d := c.Classify(lastErr)
		if d.Class != Retriable || attempt >= maxAttempts {
			return lastErr
		}

		timer := time.NewTimer(p.Next(attempt, d.RetryAfter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, c *Classifier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, c, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
