package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/handler"
	"github.com/jdziat/jobengine/pkg/jobctx"
	"github.com/jdziat/jobengine/pkg/retry"
)

// errOwnershipLost cancels a handler whose lease was taken over.
var errOwnershipLost = errors.New("jobengine: job ownership lost")

// execution tracks one leased job. The heartbeat ticker and the handler's
// progress callback share mu so each write uses the version returned by the
// previous one.
type execution struct {
	w      *Worker
	job    *core.JobInfo
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	version int64

	cancelRequested atomic.Bool
	lost            atomic.Bool
}

func (w *Worker) processJob(ctx context.Context, job *core.JobInfo) {
	start := time.Now()

	ctx, span := w.tracer.Start(ctx, "jobengine.job.execute",
		trace.WithAttributes(spanAttributes(job, w.config.WorkerID)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	outcome, err := w.execute(ctx, job)
	switch {
	case err != nil && outcome != outcomeCompleted:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(outcomeAttr(outcome))
	w.metrics.record(ctx, job, outcome, time.Since(start))
}

func (w *Worker) execute(ctx context.Context, job *core.JobInfo) (string, error) {
	store := w.queue.Store()
	log := w.logger.With("job_id", job.ID, "queue_type", job.QueueType)
	begun := time.Now()

	if job.CancelRequested {
		return w.finishCancelled(ctx, job, job.Version, nil)
	}

	fn, ok := w.registry.Lookup(job.QueueType)
	if !ok {
		err := fmt.Errorf("%w: %s", core.ErrNoHandler, job.QueueType)
		log.Error("no handler for job")
		return w.finishFailed(ctx, job, job.Version, err, retry.Decision{Class: retry.Fatal})
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, WorkerID: w.config.WorkerID, Timestamp: time.Now()})

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	ex := &execution{w: w, job: job, cancel: cancelRun, version: job.Version}

	stop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		ex.heartbeatLoop(runCtx, stop)
	}()

	progress := func(pctx context.Context, data []byte) error {
		return ex.heartbeat(pctx, data)
	}
	cancelFlag := ex.cancelRequested.Load

	hctx := jobctx.WithJobContext(runCtx, &jobctx.JobContext{
		Job:      job,
		WorkerID: w.config.WorkerID,
		Progress: progress,
		Cancel:   cancelFlag,
	})
	result, herr := safeCall(hctx, fn, job.Definition, progress, cancelFlag)

	close(stop)
	hbDone.Wait()

	if ex.lost.Load() {
		return outcomeLost, errOwnershipLost
	}
	if ctx.Err() != nil {
		log.Info("worker stopping, abandoning job")
		return outcomeAbandoned, ctx.Err()
	}

	// No more concurrent writers; the version is stable.
	version := ex.version

	if herr == nil {
		done, err := store.Complete(ctx, job.ID, version, result)
		if err != nil {
			if isOwnershipLoss(err) {
				ex.markLost(err)
				return outcomeLost, err
			}
			log.Error("failed to complete job", "error", err)
			return outcomeAbandoned, err
		}
		if done.Status != core.StatusCompleted {
			log.Debug("job already terminal", "status", done.Status)
		}
		w.queue.CallCompleteHooks(ctx, done)
		w.queue.Emit(&core.JobCompleted{Job: done, Duration: time.Since(begun), Timestamp: time.Now()})
		return outcomeCompleted, nil
	}

	if ex.cancelRequested.Load() {
		return w.finishCancelled(ctx, job, version, herr)
	}

	d := w.config.Classifier.Classify(herr)
	return w.finishFailed(ctx, job, version, herr, d)
}

// finishFailed records a failed attempt. The store decides between another
// attempt and a terminal failure from the decision and the retry budget.
func (w *Worker) finishFailed(ctx context.Context, job *core.JobInfo, version int64, herr error, d retry.Decision) (string, error) {
	log := w.logger.With("job_id", job.ID, "queue_type", job.QueueType)

	updated, err := w.queue.Store().Fail(ctx, job.ID, version, core.FailRequest{
		Cause:      serializeCause(herr, d),
		Message:    herr.Error(),
		Retriable:  d.Class == retry.Retriable,
		RetryAfter: d.RetryAfter,
	})
	if err != nil {
		if isOwnershipLoss(err) {
			w.emitLost(job, version, err)
			return outcomeLost, err
		}
		log.Error("failed to record job failure", "error", err)
		return outcomeAbandoned, err
	}

	var execErr *core.JobExecutionError
	if errors.As(herr, &execErr) && execErr.RequestCancellationOnFailure && job.GroupID != "" {
		n, err := w.queue.Store().CancelGroup(ctx, job.GroupID)
		if err != nil {
			log.Error("failed to cancel group", "group_id", job.GroupID, "error", err)
		} else {
			log.Info("requested group cancellation", "group_id", job.GroupID, "jobs", n)
		}
	}

	if updated.Status == core.StatusCreated {
		log.Warn("job failed, will retry", "attempt", updated.Attempts, "class", d.Class, "error", herr)
		w.queue.CallRetryHooks(ctx, updated, updated.Attempts, herr)
		w.queue.Emit(&core.JobRetrying{
			Job:         updated,
			Attempt:     updated.Attempts,
			Error:       herr,
			AvailableAt: updated.AvailableAt,
			Timestamp:   time.Now(),
		})
		return outcomeRetrying, herr
	}

	log.Error("job failed", "attempts", updated.Attempts, "class", d.Class, "error", herr)
	w.queue.CallFailHooks(ctx, updated, herr)
	w.queue.Emit(&core.JobFailed{Job: updated, Error: herr, Timestamp: time.Now()})
	return outcomeFailed, herr
}

func (w *Worker) finishCancelled(ctx context.Context, job *core.JobInfo, version int64, herr error) (string, error) {
	var result []byte
	if herr != nil {
		result = serializeCause(herr, retry.Decision{Class: retry.Fatal})
	}
	updated, err := w.queue.Store().MarkCancelled(ctx, job.ID, version, result)
	if err != nil {
		if isOwnershipLoss(err) {
			w.emitLost(job, version, err)
			return outcomeLost, err
		}
		w.logger.Error("failed to mark job cancelled", "job_id", job.ID, "error", err)
		return outcomeAbandoned, err
	}
	w.logger.Info("job cancelled", "job_id", job.ID, "queue_type", job.QueueType)
	w.queue.CallCancelHooks(ctx, updated)
	w.queue.Emit(&core.JobCancelled{Job: updated, Timestamp: time.Now()})
	return outcomeCancelled, nil
}

func (w *Worker) emitLost(job *core.JobInfo, version int64, err error) {
	w.logger.Warn("job ownership lost", "job_id", job.ID, "version", version, "error", err)
	w.queue.Emit(&core.OwnershipLost{
		JobID:     job.ID,
		WorkerID:  w.config.WorkerID,
		Version:   version,
		Error:     err,
		Timestamp: time.Now(),
	})
}

func (e *execution) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(e.w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.heartbeat(ctx, nil); err != nil {
				if e.lost.Load() {
					return
				}
				// The lease is still valid until its deadline; try again next tick.
				e.w.logger.Warn("heartbeat failed", "job_id", e.job.ID, "error", err)
			}
		}
	}
}

// heartbeat extends the lease and refreshes the cancel flag. progress is
// stored when non-nil.
func (e *execution) heartbeat(ctx context.Context, progress []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lost.Load() {
		return errOwnershipLost
	}

	job, err := e.w.queue.Store().Heartbeat(ctx, e.job.ID, e.version, progress)
	if err != nil {
		if isOwnershipLoss(err) {
			e.markLost(err)
			return fmt.Errorf("%w: %w", errOwnershipLost, err)
		}
		return err
	}
	e.version = job.Version
	if job.CancelRequested {
		e.cancelRequested.Store(true)
	}
	e.w.logger.Debug("heartbeat sent", "job_id", e.job.ID, "version", job.Version)
	return nil
}

func (e *execution) markLost(err error) {
	if e.lost.Swap(true) {
		return
	}
	e.cancel(errOwnershipLost)
	e.w.emitLost(e.job, e.version, err)
}

// safeCall runs fn and turns a panic into a non-retriable error.
func safeCall(ctx context.Context, fn handler.Func, def []byte, progress handler.ProgressFunc, cancel handler.CancelFlag) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, def, progress, cancel)
}

// failureCause is the stored result of a failed job without its own payload.
type failureCause struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func serializeCause(err error, d retry.Decision) []byte {
	var execErr *core.JobExecutionError
	if errors.As(err, &execErr) && len(execErr.Payload) > 0 {
		return execErr.Payload
	}
	data, mErr := json.Marshal(failureCause{Error: err.Error(), Class: d.Class.String()})
	if mErr != nil {
		return []byte(err.Error())
	}
	return data
}
