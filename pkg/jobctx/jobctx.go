// Package jobctx provides public access to job context for handlers.
package jobctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/handler"
)

type jobContextKey struct{}

// JobContext holds the leased job and the callbacks of the worker running it.
type JobContext struct {
	Job      *core.JobInfo
	WorkerID string
	Progress handler.ProgressFunc
	Cancel   handler.CancelFlag
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// FromContext returns the job context, or nil outside a job handler.
func FromContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(jobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// JobFromContext returns the current job as it was leased, or nil if not in a
// job handler.
func JobFromContext(ctx context.Context) *core.JobInfo {
	jc := FromContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// CancellationRequested reports whether someone asked to cancel the current
// job. It is always false outside a job handler.
func CancellationRequested(ctx context.Context) bool {
	jc := FromContext(ctx)
	if jc == nil || jc.Cancel == nil {
		return false
	}
	return jc.Cancel()
}

// SaveProgress JSON encodes v and records it with the next heartbeat.
// Returns nil if not running within a job handler.
func SaveProgress(ctx context.Context, v any) error {
	jc := FromContext(ctx)
	if jc == nil || jc.Progress == nil {
		return nil // Not in a job context, silently skip
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return jc.Progress(ctx, data)
}

// LoadProgress decodes the progress stored by a previous lease of the current
// job, which lets a reclaimed job resume where the last worker stopped.
// Returns (zero, false) when there is none or not in job context.
func LoadProgress[T any](ctx context.Context) (T, bool) {
	var zero T

	job := JobFromContext(ctx)
	if job == nil || len(job.Progress) == 0 {
		return zero, false
	}

	var result T
	if err := json.Unmarshal(job.Progress, &result); err != nil {
		return zero, false
	}
	return result, true
}
