package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jdziat/jobengine/pkg/core"
)

// instrumentationName is the scope name for worker traces and metrics.
const instrumentationName = "github.com/jdziat/jobengine/pkg/worker"

// Execution outcomes recorded on metrics and spans.
const (
	outcomeCompleted = "completed"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeLost      = "ownership_lost"
	outcomeAbandoned = "abandoned"
)

type instruments struct {
	duration   metric.Float64Histogram
	executions metric.Int64Counter
	lost       metric.Int64Counter
}

func newInstruments(meter metric.Meter) *instruments {
	// On error the API returns noop instruments, so errors are ignored.
	duration, _ := meter.Float64Histogram(
		"jobengine.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"jobengine.job.executions",
		metric.WithDescription("Total number of job executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	lost, _ := meter.Int64Counter(
		"jobengine.job.ownership_lost",
		metric.WithDescription("Executions abandoned because another worker took the job"),
		metric.WithUnit("{execution}"),
	)
	return &instruments{duration: duration, executions: executions, lost: lost}
}

func (in *instruments) record(ctx context.Context, job *core.JobInfo, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue_type", job.QueueType),
		attribute.String("outcome", outcome),
	)
	in.duration.Record(ctx, elapsed.Seconds(), attrs)
	in.executions.Add(ctx, 1, attrs)
	if outcome == outcomeLost {
		in.lost.Add(ctx, 1, metric.WithAttributes(attribute.String("queue_type", job.QueueType)))
	}
}

func spanAttributes(job *core.JobInfo, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("jobengine.job.id", job.ID),
		attribute.String("jobengine.job.group_id", job.GroupID),
		attribute.String("jobengine.queue_type", job.QueueType),
		attribute.Int("jobengine.job.attempts", job.Attempts),
		attribute.Int64("jobengine.job.version", job.Version),
		attribute.String("jobengine.worker.id", workerID),
	}
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("jobengine.outcome", outcome)
}
