package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/handler"
	"github.com/jdziat/jobengine/pkg/jobctx"
	"github.com/jdziat/jobengine/pkg/queue"
)

// CoordinatorRequest is the definition of a coordinator job.
type CoordinatorRequest struct {
	Query []byte `json:"query"`
	// GroupID receives the children. The coordinator's own group is used when
	// empty.
	GroupID string `json:"group_id,omitempty"`
}

// coordinatorProgress is what a coordinator records after each page.
type coordinatorProgress struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

// Submit enqueues a coordinator job for query under coordinatorQueueType.
// Its children join the coordinator's group.
func (o *Orchestrator) Submit(ctx context.Context, coordinatorQueueType string, query []byte, opts ...queue.Option) (*core.JobInfo, error) {
	return o.queue.EnqueueJSON(ctx, coordinatorQueueType, CoordinatorRequest{Query: query}, opts...)
}

// CoordinatorHandler runs Dispatch as a leased job. The continuation token is
// stored as job progress after each page, so a coordinator reclaimed by
// another worker resumes with the next page.
func (o *Orchestrator) CoordinatorHandler() handler.Func {
	return func(ctx context.Context, definition []byte, progress handler.ProgressFunc, cancelled handler.CancelFlag) ([]byte, error) {
		var req CoordinatorRequest
		if err := json.Unmarshal(definition, &req); err != nil {
			return nil, core.NoRetry(fmt.Errorf("decode coordinator request: %w", err))
		}

		job := jobctx.JobFromContext(ctx)
		if job == nil {
			return nil, core.NoRetry(errors.New("jobengine: coordinator must run inside a worker"))
		}
		if req.GroupID == "" {
			req.GroupID = job.GroupID
		}

		saved, _ := jobctx.LoadProgress[coordinatorProgress](ctx)
		if saved.Done {
			o.logger.Info("coordinator already dispatched every page", "job_id", job.ID, "group_id", req.GroupID)
			return json.Marshal(DispatchResult{GroupID: req.GroupID})
		}
		if saved.Token != "" {
			o.logger.Info("resuming coordinator", "job_id", job.ID, "group_id", req.GroupID)
		}

		res, err := o.Dispatch(ctx, DispatchRequest{
			GroupID:     req.GroupID,
			Query:       req.Query,
			ResumeToken: saved.Token,
		}, func(ctx context.Context, token string) error {
			if cancelled() {
				return ErrDispatchCancelled
			}
			data, err := json.Marshal(coordinatorProgress{Token: token, Done: token == ""})
			if err != nil {
				return err
			}
			return progress(ctx, data)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}
