package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/jobengine/internal/storetest"
	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/handler"
	"github.com/jdziat/jobengine/pkg/queue"
	"github.com/jdziat/jobengine/pkg/worker"
)

// pagedSearcher serves fixed pages keyed by the token that requests them.
type pagedSearcher struct {
	mu    sync.Mutex
	pages map[string]Page
	calls []string
}

func (s *pagedSearcher) Search(_ context.Context, _ []byte, token string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, token)
	page, ok := s.pages[token]
	if !ok {
		return Page{}, fmt.Errorf("unknown token %q", token)
	}
	return page, nil
}

func items(prefix string, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

// fiveThreeZero yields pages of 5, then 3, then 0 matches.
func fiveThreeZero() *pagedSearcher {
	return &pagedSearcher{pages: map[string]Page{
		"":   {Items: items("a", 5), ContinuationToken: "p2"},
		"p2": {Items: items("b", 3), ContinuationToken: "p3"},
		"p3": {Items: nil},
	}}
}

func setup(t *testing.T, s Searcher, opts ...Option) (*Orchestrator, *queue.Queue) {
	t.Helper()
	q := queue.New(storetest.Open(t))
	o, err := New(q, s, "delete-item", opts...)
	require.NoError(t, err)
	return o, q
}

// drain leases every eligible child and settles it with outcome.
func drain(t *testing.T, q *queue.Queue, queueType string, outcome func(job *core.JobInfo) error) {
	t.Helper()
	ctx := context.Background()
	store := q.Store()
	for {
		jobs, err := store.Dequeue(ctx, queueType, "test-worker", time.Minute, 100)
		require.NoError(t, err)
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			if err := outcome(job); err != nil {
				_, ferr := store.Fail(ctx, job.ID, job.Version, core.FailRequest{Message: err.Error()})
				require.NoError(t, ferr)
				continue
			}
			_, err := store.Complete(ctx, job.ID, job.Version, []byte(`"ok"`))
			require.NoError(t, err)
		}
	}
}

func succeed(*core.JobInfo) error { return nil }

func TestNew_Validation(t *testing.T) {
	q := queue.New(storetest.Open(t))

	_, err := New(q, fiveThreeZero(), "")
	assert.Error(t, err)

	_, err = New(q, nil, "delete-item")
	assert.Error(t, err)
}

func TestDispatch_PagesUntilTokenEmpty(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	var tokens []string
	res, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-1"}, func(_ context.Context, token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 8, res.Items)
	assert.Equal(t, 8, res.Enqueued)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, []string{"p2", "p3", ""}, tokens)

	jobs, err := q.GetJobsByGroup(ctx, "g-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 8)
	for _, j := range jobs {
		assert.Equal(t, "delete-item", j.QueueType)
		assert.Equal(t, core.StatusCreated, j.Status)
	}

	status, err := o.Poll(ctx, "g-1")
	require.NoError(t, err)
	assert.False(t, status.Done)
	assert.Equal(t, core.StatusRunning, status.Status)
	assert.Equal(t, 8, status.Pending)

	drain(t, q, "delete-item", succeed)

	status, err = o.Poll(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, core.StatusCompleted, status.Status)
	assert.Equal(t, 8, status.Completed)
	assert.NoError(t, status.Err())
}

func TestDispatch_GeneratesGroupID(t *testing.T) {
	o, _ := setup(t, fiveThreeZero())
	res, err := o.Dispatch(context.Background(), DispatchRequest{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.GroupID)
}

func TestDispatch_ReplaySkipsPendingChildren(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-replay"}, nil)
	require.NoError(t, err)

	res, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-replay"}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 8, res.Skipped)

	jobs, err := q.GetJobsByGroup(ctx, "g-replay")
	require.NoError(t, err)
	assert.Len(t, jobs, 8)
}

func TestDispatch_PartialReplay(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	// Two of the first page's children already exist.
	_, err := q.EnqueueBatch(ctx, "delete-item", []core.JobDefinition{
		{Payload: []byte("a-0"), DedupKey: ChildDedupKey("g-partial", []byte("a-0"))},
		{Payload: []byte("a-3"), DedupKey: ChildDedupKey("g-partial", []byte("a-3"))},
	}, queue.Group("g-partial"))
	require.NoError(t, err)

	res, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-partial"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Enqueued)
	assert.Equal(t, 2, res.Skipped)

	jobs, err := q.GetJobsByGroup(ctx, "g-partial")
	require.NoError(t, err)
	assert.Len(t, jobs, 8)
}

func TestDispatch_ResumesFromToken(t *testing.T) {
	s := fiveThreeZero()
	o, q := setup(t, s)
	ctx := context.Background()

	res, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-resume", ResumeToken: "p2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 3, res.Enqueued)
	assert.Equal(t, []string{"p2", "p3"}, s.calls)

	jobs, err := q.GetJobsByGroup(ctx, "g-resume")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestDispatch_CheckpointErrorStops(t *testing.T) {
	s := fiveThreeZero()
	o, _ := setup(t, s)

	stop := errors.New("stop here")
	res, err := o.Dispatch(context.Background(), DispatchRequest{GroupID: "g-stop"},
		func(context.Context, string) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 5, res.Enqueued)
}

func TestDispatch_SearchError(t *testing.T) {
	o, _ := setup(t, SearcherFunc(func(context.Context, []byte, string) (Page, error) {
		return Page{}, errors.New("index offline")
	}))
	_, err := o.Dispatch(context.Background(), DispatchRequest{GroupID: "g-err"}, nil)
	assert.ErrorContains(t, err, "index offline")
}

func TestDispatch_StalledSearch(t *testing.T) {
	o, _ := setup(t, &pagedSearcher{pages: map[string]Page{
		"":     {Items: items("x", 1), ContinuationToken: "loop"},
		"loop": {ContinuationToken: "loop"},
	}})
	_, err := o.Dispatch(context.Background(), DispatchRequest{GroupID: "g-loop"}, nil)
	assert.ErrorIs(t, err, ErrStalledSearch)
}

func TestDispatch_Batches(t *testing.T) {
	o, q := setup(t, fiveThreeZero(), WithBatchSize(2))
	ctx := context.Background()

	res, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-batch"}, nil)
	require.NoError(t, err)
	// Page of 5 → 3 children, page of 3 → 2 children.
	assert.Equal(t, 5, res.Enqueued)

	jobs, err := q.GetJobsByGroup(ctx, "g-batch")
	require.NoError(t, err)
	var total int
	for _, j := range jobs {
		batch, err := DecodeBatch(j.Definition)
		require.NoError(t, err)
		total += len(batch)
	}
	assert.Equal(t, 8, total)
}

func TestDispatch_DropsRepeatedItems(t *testing.T) {
	o, q := setup(t, &pagedSearcher{pages: map[string]Page{
		"": {Items: [][]byte{[]byte("dup"), []byte("dup"), []byte("one")}},
	}})
	ctx := context.Background()

	res, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-dup"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, 1, res.Skipped)

	jobs, err := q.GetJobsByGroup(ctx, "g-dup")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestPoll_FailedChildFailsGroup(t *testing.T) {
	o, q := setup(t, fiveThreeZero(), WithRetries(0))
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-fail"}, nil)
	require.NoError(t, err)

	drain(t, q, "delete-item", func(job *core.JobInfo) error {
		if string(job.Definition) == "b-1" {
			return errors.New("item locked")
		}
		return nil
	})

	status, err := o.Poll(ctx, "g-fail")
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, core.StatusFailed, status.Status)
	assert.Equal(t, 7, status.Completed)
	assert.Equal(t, 1, status.Failed)
	require.Len(t, status.Failures, 1)
	assert.Equal(t, "item locked", status.Failures[0].Error)

	var groupErr *Error
	require.ErrorAs(t, status.Err(), &groupErr)
	assert.Equal(t, 1, groupErr.FailedCount)
	assert.Equal(t, 8, groupErr.TotalCount)
}

func TestPoll_NotDoneWhileAnyPending(t *testing.T) {
	o, q := setup(t, fiveThreeZero(), WithRetries(0))
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-pending"}, nil)
	require.NoError(t, err)

	// Settle all but one child.
	jobs, err := q.Store().Dequeue(ctx, "delete-item", "w", time.Minute, 7)
	require.NoError(t, err)
	require.Len(t, jobs, 7)
	for i, job := range jobs {
		if i == 0 {
			_, err = q.Store().Fail(ctx, job.ID, job.Version, core.FailRequest{Message: "boom"})
		} else {
			_, err = q.Store().Complete(ctx, job.ID, job.Version, nil)
		}
		require.NoError(t, err)
	}

	status, err := o.Poll(ctx, "g-pending")
	require.NoError(t, err)
	assert.False(t, status.Done, "a group with a pending member is not resolved")
	assert.Nil(t, status.Err())
	assert.Equal(t, 1, status.Pending)
}

func TestPoll_CancelledChild(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-cancel"}, nil)
	require.NoError(t, err)

	jobs, err := q.GetJobsByGroup(ctx, "g-cancel")
	require.NoError(t, err)
	_, err = q.CancelJob(ctx, jobs[0].ID)
	require.NoError(t, err)

	drain(t, q, "delete-item", succeed)

	status, err := o.Poll(ctx, "g-cancel")
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, core.StatusCancelled, status.Status)
	assert.Equal(t, 1, status.Cancelled)
}

func TestPoll_Threshold(t *testing.T) {
	fail := func(job *core.JobInfo) error {
		if string(job.Definition) == "a-0" {
			return errors.New("nope")
		}
		return nil
	}

	t.Run("met", func(t *testing.T) {
		o, q := setup(t, fiveThreeZero(), Threshold(0.8), WithRetries(0))
		_, err := o.Dispatch(context.Background(), DispatchRequest{GroupID: "g-th"}, nil)
		require.NoError(t, err)
		drain(t, q, "delete-item", fail)

		status, err := o.Poll(context.Background(), "g-th")
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, status.Status)
	})

	t.Run("missed", func(t *testing.T) {
		o, q := setup(t, fiveThreeZero(), Threshold(0.9), WithRetries(0))
		_, err := o.Dispatch(context.Background(), DispatchRequest{GroupID: "g-th"}, nil)
		require.NoError(t, err)
		drain(t, q, "delete-item", fail)

		status, err := o.Poll(context.Background(), "g-th")
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, status.Status)
	})
}

func TestPoll_CancelOnFailure(t *testing.T) {
	o, q := setup(t, fiveThreeZero(), CancelOnFailure(), WithRetries(0))
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-cof"}, nil)
	require.NoError(t, err)

	jobs, err := q.Store().Dequeue(ctx, "delete-item", "w", time.Minute, 1)
	require.NoError(t, err)
	_, err = q.Store().Fail(ctx, jobs[0].ID, jobs[0].Version, core.FailRequest{Message: "boom"})
	require.NoError(t, err)

	_, err = o.Poll(ctx, "g-cof")
	require.NoError(t, err)

	// The next dequeue finalises the cancel requests.
	_, err = q.Store().Dequeue(ctx, "delete-item", "w", time.Minute, 10)
	require.NoError(t, err)

	status, err := o.Poll(ctx, "g-cof")
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, core.StatusFailed, status.Status)
	assert.Equal(t, 7, status.Cancelled)
}

func TestPoll_UnknownGroup(t *testing.T) {
	o, _ := setup(t, fiveThreeZero())
	_, err := o.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrJobNotExist)
}

func TestResults(t *testing.T) {
	o, q := setup(t, fiveThreeZero(), WithRetries(0))
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-res"}, nil)
	require.NoError(t, err)
	drain(t, q, "delete-item", func(job *core.JobInfo) error {
		if string(job.Definition) == "a-2" {
			return errors.New("bad item")
		}
		return nil
	})

	status, err := o.Poll(ctx, "g-res")
	require.NoError(t, err)

	results := Results[string](status)
	assert.Len(t, results, 8)
	assert.Equal(t, 7, SuccessCount(results))
	assert.False(t, AllSucceeded(results))

	values, failures := Partition(results)
	assert.Len(t, values, 7)
	assert.Equal(t, "ok", values[0])
	require.Len(t, failures, 1)
	assert.EqualError(t, failures[0], "bad item")
}

func TestCoordinator_EndToEnd(t *testing.T) {
	s := fiveThreeZero()
	o, q := setup(t, s)

	var mu sync.Mutex
	var deleted []string
	reg, err := handler.NewBuilder().
		Handle("delete-matching", o.CoordinatorHandler()).
		Handle("delete-item", func(_ context.Context, def []byte, _ handler.ProgressFunc, _ handler.CancelFlag) ([]byte, error) {
			mu.Lock()
			deleted = append(deleted, string(def))
			mu.Unlock()
			return nil, nil
		}).
		Build()
	require.NoError(t, err)

	w := worker.NewWorker(q, reg, worker.WithPollInterval(10*time.Millisecond, 5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	coordinator, err := o.Submit(context.Background(), "delete-matching", []byte(`{"older_than":"30d"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := o.Poll(context.Background(), coordinator.GroupID)
		return err == nil && status.Done && status.Total == 9
	}, 10*time.Second, 20*time.Millisecond)

	status, err := o.Poll(context.Background(), coordinator.GroupID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, status.Status)

	mu.Lock()
	assert.Len(t, deleted, 8)
	mu.Unlock()

	job, err := q.GetJob(context.Background(), coordinator.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"","done":true}`, string(job.Progress))
}

func TestCoordinator_ResumesFromProgress(t *testing.T) {
	s := fiveThreeZero()
	o, q := setup(t, s)
	ctx := context.Background()

	coordinator, err := o.Submit(ctx, "delete-matching", nil)
	require.NoError(t, err)

	// A previous lease got through the first page before dying.
	leased, err := q.Store().Dequeue(ctx, "delete-matching", "w1", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	job, err := q.Store().Heartbeat(ctx, coordinator.ID, leased[0].Version, []byte(`{"token":"p2","done":false}`))
	require.NoError(t, err)

	var progress [][]byte
	fn := o.CoordinatorHandler()
	hctx := jobctxFor(ctx, job)
	out, err := fn(hctx, job.Definition,
		func(_ context.Context, data []byte) error {
			progress = append(progress, data)
			return nil
		},
		func() bool { return false })
	require.NoError(t, err)

	assert.JSONEq(t, fmt.Sprintf(`{"group_id":%q,"pages":2,"items":3,"enqueued":3,"skipped":0}`, job.GroupID), string(out))
	assert.Equal(t, []string{"p2", "p3"}, s.calls)
	assert.Len(t, progress, 2)
}

func TestCoordinator_StopsOnCancel(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	coordinator, err := o.Submit(ctx, "delete-matching", nil)
	require.NoError(t, err)

	fn := o.CoordinatorHandler()
	_, err = fn(jobctxFor(ctx, coordinator), coordinator.Definition,
		func(context.Context, []byte) error { return nil },
		func() bool { return true })
	assert.ErrorIs(t, err, ErrDispatchCancelled)

	jobs, err := q.GetJobsByGroup(ctx, coordinator.GroupID)
	require.NoError(t, err)
	// The coordinator plus the first page.
	assert.Len(t, jobs, 6)
}

func TestCoordinator_RequiresJobContext(t *testing.T) {
	o, _ := setup(t, fiveThreeZero())
	_, err := o.CoordinatorHandler()(context.Background(), []byte(`{}`), nil, nil)
	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)
}
