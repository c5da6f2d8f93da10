package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/queue"
)

// Tracker resolves the status of groups. It needs no searcher, so callers
// that only watch groups can use it directly.
type Tracker struct {
	queue  *queue.Queue
	cfg    *config
	logger *slog.Logger
}

// NewTracker creates a Tracker. Only the strategy, failure and logging
// options apply.
func NewTracker(q *queue.Queue, opts ...Option) *Tracker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}
	return newTracker(q, cfg)
}

func newTracker(q *queue.Queue, cfg *config) *Tracker {
	return &Tracker{queue: q, cfg: cfg, logger: cfg.logger}
}

// Poll reads every member of the group and resolves its status. Unknown
// groups yield core.ErrJobNotExist.
func (t *Tracker) Poll(ctx context.Context, groupID string) (*GroupStatus, error) {
	jobs, err := t.queue.GetJobsByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	status := t.summarize(groupID, jobs)

	if t.cfg.cancelOnFailure && status.Failed > 0 && !status.Done {
		n, err := t.queue.CancelGroup(ctx, groupID)
		if err != nil {
			return status, fmt.Errorf("jobengine: cancel group after failure: %w", err)
		}
		if n > 0 {
			t.logger.Info("cancelling group after failure", "group_id", groupID, "jobs", n)
		}
	}
	return status, nil
}

// Wait polls the group every interval until it is done or ctx ends.
func (t *Tracker) Wait(ctx context.Context, groupID string, interval time.Duration) (*GroupStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := t.Poll(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if status.Done {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) summarize(groupID string, jobs []*core.JobInfo) *GroupStatus {
	s := &GroupStatus{
		GroupID:  groupID,
		Total:    len(jobs),
		Children: jobs,
	}
	for i, job := range jobs {
		switch job.Status {
		case core.StatusCompleted:
			s.Completed++
		case core.StatusFailed:
			s.Failed++
			if len(s.Failures) < t.cfg.maxFailures {
				s.Failures = append(s.Failures, ChildFailure{
					Index:    i,
					JobID:    job.ID,
					Error:    job.LastError,
					Attempts: job.Attempts,
				})
			}
		case core.StatusCancelled:
			s.Cancelled++
		default:
			s.Pending++
		}
	}

	s.Done = s.Pending == 0
	if !s.Done {
		s.Status = core.StatusRunning
		return s
	}

	switch t.cfg.strategy {
	case StrategyThreshold:
		if s.Total == 0 || float64(s.Completed)/float64(s.Total) >= t.cfg.threshold {
			s.Status = core.StatusCompleted
		} else {
			s.Status = core.StatusFailed
		}
	default:
		switch {
		case s.Failed > 0:
			s.Status = core.StatusFailed
		case s.Cancelled > 0:
			s.Status = core.StatusCancelled
		default:
			s.Status = core.StatusCompleted
		}
	}
	return s
}
