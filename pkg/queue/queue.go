package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/security"
)

// Queue validates and enqueues jobs, and fans worker lifecycle notifications
// out to hooks and event subscribers.
type Queue struct {
	store core.JobStore
	mu    sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.JobInfo)
	onComplete []func(context.Context, *core.JobInfo)
	onFail     []func(context.Context, *core.JobInfo, error)
	onRetry    []func(context.Context, *core.JobInfo, int, error)
	onCancel   []func(context.Context, *core.JobInfo)

	// Event stream
	eventSubs []chan core.Event

	defaultRetries int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDefaultRetries sets the retry budget of jobs enqueued without Retries.
func WithDefaultRetries(n int) QueueOption {
	return func(q *Queue) { q.defaultRetries = security.ClampRetries(n) }
}

// New creates a new Queue over the given store.
func New(s core.JobStore, opts ...QueueOption) *Queue {
	q := &Queue{store: s, defaultRetries: DefaultJobRetries}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) newOptions() *Options {
	o := NewOptions()
	o.MaxRetries = q.defaultRetries
	return o
}

// Store returns the underlying job store.
func (q *Queue) Store() core.JobStore {
	return q.store
}

// Enqueue adds one job with an opaque payload and returns it.
func (q *Queue) Enqueue(ctx context.Context, queueType string, payload []byte, opts ...Option) (*core.JobInfo, error) {
	options := q.newOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	jobs, err := q.enqueue(ctx, queueType, []core.JobDefinition{{
		Payload:  payload,
		DedupKey: options.DedupKey,
	}}, options)
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// EnqueueJSON JSON encodes args and enqueues it as one job.
func (q *Queue) EnqueueJSON(ctx context.Context, queueType string, args any, opts ...Option) (*core.JobInfo, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("jobengine: failed to marshal args: %w", err)
	}
	return q.Enqueue(ctx, queueType, payload, opts...)
}

// EnqueueBatch adds one job per definition, all in the same group. The batch
// is rejected as a whole when any dedup key is taken.
func (q *Queue) EnqueueBatch(ctx context.Context, queueType string, defs []core.JobDefinition, opts ...Option) ([]*core.JobInfo, error) {
	options := q.newOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}
	return q.enqueue(ctx, queueType, defs, options)
}

func (q *Queue) enqueue(ctx context.Context, queueType string, defs []core.JobDefinition, options *Options) ([]*core.JobInfo, error) {
	if err := security.ValidateQueueType(queueType); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, core.ErrEmptyBatch
	}
	for _, def := range defs {
		if err := security.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}

	return q.store.Enqueue(ctx, queueType, defs, core.EnqueueOptions{
		GroupID:    options.GroupID,
		MaxRetries: security.ClampRetries(options.MaxRetries),
		Delay:      options.delay(time.Now()),
	})
}

// CancelJob requests cooperative cancellation of a job.
func (q *Queue) CancelJob(ctx context.Context, jobID string) (int64, error) {
	return q.store.CancelJob(ctx, jobID)
}

// CancelGroup requests cooperative cancellation of every live job in a group.
func (q *Queue) CancelGroup(ctx context.Context, groupID string) (int64, error) {
	return q.store.CancelGroup(ctx, groupID)
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*core.JobInfo, error) {
	return q.store.GetJob(ctx, jobID)
}

// GetJobsByGroup returns the members of a group.
func (q *Queue) GetJobsByGroup(ctx context.Context, groupID string) ([]*core.JobInfo, error) {
	return q.store.GetJobsByGroup(ctx, groupID)
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.JobInfo)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.JobInfo)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.JobInfo, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is put back for another attempt.
func (q *Queue) OnRetry(fn func(context.Context, *core.JobInfo, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// OnJobCancel registers a callback for when a worker finalises a cancel request.
func (q *Queue) OnJobCancel(fn func(context.Context, *core.JobInfo)) {
	q.mu.Lock()
	q.onCancel = append(q.onCancel, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full - this prevents blocking on slow consumers
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.JobInfo) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.JobInfo), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.JobInfo) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.JobInfo), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.JobInfo, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.JobInfo, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.JobInfo, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.JobInfo, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}

// CallCancelHooks calls all registered cancel hooks.
func (q *Queue) CallCancelHooks(ctx context.Context, job *core.JobInfo) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.JobInfo), len(q.onCancel))
	copy(hooks, q.onCancel)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}
