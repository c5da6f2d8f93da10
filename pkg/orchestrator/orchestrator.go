package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/queue"
	"github.com/jdziat/jobengine/pkg/security"
)

var (
	// ErrStalledSearch is returned when a search hands back the token it was
	// called with, which would loop forever.
	ErrStalledSearch = errors.New("jobengine: search returned the same continuation token")
	// ErrDispatchCancelled stops a coordinator whose job was asked to cancel.
	ErrDispatchCancelled = errors.New("jobengine: dispatch cancelled")
)

// Orchestrator dispatches the children of a group from a paginated search and
// aggregates their outcome.
type Orchestrator struct {
	*Tracker

	queue     *queue.Queue
	searcher  Searcher
	childType string
	cfg       *config
	logger    *slog.Logger
}

// New creates an orchestrator that enqueues children of childQueueType.
func New(q *queue.Queue, s Searcher, childQueueType string, opts ...Option) (*Orchestrator, error) {
	if err := security.ValidateQueueType(childQueueType); err != nil {
		return nil, fmt.Errorf("invalid child queue type %q: %w", childQueueType, err)
	}
	if s == nil {
		return nil, errors.New("jobengine: orchestrator requires a searcher")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}
	return &Orchestrator{
		Tracker:   newTracker(q, cfg),
		queue:     q,
		searcher:  s,
		childType: childQueueType,
		cfg:       cfg,
		logger:    cfg.logger.With("child_queue_type", childQueueType),
	}, nil
}

// ChildQueueType returns the queue type children are enqueued under.
func (o *Orchestrator) ChildQueueType() string { return o.childType }

// Dispatch walks the search from req.ResumeToken until the continuation token
// is empty, enqueueing the children of each page into req.GroupID. checkpoint,
// when set, is called with the next token after every page so that a
// restarted dispatch resumes where this one stopped.
//
// Children carry dedup keys derived from the group and their definition, so
// replaying a page skips children that are still pending.
func (o *Orchestrator) Dispatch(ctx context.Context, req DispatchRequest, checkpoint CheckpointFunc) (*DispatchResult, error) {
	if req.GroupID == "" {
		req.GroupID = uuid.NewString()
	}
	res := &DispatchResult{GroupID: req.GroupID}
	log := o.logger.With("group_id", req.GroupID)

	token := req.ResumeToken
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := o.searcher.Search(ctx, req.Query, token)
		if err != nil {
			return res, fmt.Errorf("jobengine: search page %d: %w", res.Pages+1, err)
		}
		if page.ContinuationToken != "" && page.ContinuationToken == token {
			return res, ErrStalledSearch
		}
		res.Pages++
		res.Items += len(page.Items)

		enqueued, skipped, err := o.enqueuePage(ctx, req.GroupID, page.Items)
		res.Enqueued += enqueued
		res.Skipped += skipped
		if err != nil {
			return res, err
		}
		log.Debug("dispatched page", "page", res.Pages, "items", len(page.Items),
			"enqueued", enqueued, "skipped", skipped)

		token = page.ContinuationToken
		if checkpoint != nil {
			if err := checkpoint(ctx, token); err != nil {
				return res, err
			}
		}
		if token == "" {
			break
		}
	}

	log.Info("group dispatched", "pages", res.Pages, "items", res.Items,
		"enqueued", res.Enqueued, "skipped", res.Skipped)
	return res, nil
}

// enqueuePage submits the page as one batch. When a dedup key is still held
// the page is replayed child by child so only the held children are skipped.
func (o *Orchestrator) enqueuePage(ctx context.Context, groupID string, items [][]byte) (int, int, error) {
	if len(items) == 0 {
		return 0, 0, nil
	}

	defs, dups, err := o.childDefinitions(groupID, items)
	if err != nil {
		return 0, 0, err
	}
	opts := []queue.Option{queue.Group(groupID), queue.Retries(o.cfg.retries)}

	_, err = o.queue.EnqueueBatch(ctx, o.childType, defs, opts...)
	if err == nil {
		return len(defs), dups, nil
	}
	if !errors.Is(err, core.ErrJobConflict) {
		return 0, 0, fmt.Errorf("jobengine: enqueue children: %w", err)
	}

	enqueued, skipped := 0, dups
	for _, def := range defs {
		_, err := o.queue.EnqueueBatch(ctx, o.childType, []core.JobDefinition{def}, opts...)
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, core.ErrJobConflict):
			skipped++
		default:
			return enqueued, skipped, fmt.Errorf("jobengine: enqueue child: %w", err)
		}
	}
	return enqueued, skipped, nil
}

// childDefinitions packs items into definitions and drops repeats within the
// page. It returns the number of repeats dropped.
func (o *Orchestrator) childDefinitions(groupID string, items [][]byte) ([]core.JobDefinition, int, error) {
	size := o.cfg.batchSize
	defs := make([]core.JobDefinition, 0, (len(items)+size-1)/size)
	seen := make(map[string]struct{}, cap(defs))
	dups := 0

	for start := 0; start < len(items); start += size {
		chunk := items[start:min(start+size, len(items))]

		payload := chunk[0]
		if size > 1 {
			var err error
			if payload, err = EncodeBatch(chunk); err != nil {
				return nil, 0, err
			}
		}

		key := ChildDedupKey(groupID, payload)
		if _, ok := seen[key]; ok {
			dups++
			continue
		}
		seen[key] = struct{}{}
		defs = append(defs, core.JobDefinition{Payload: payload, DedupKey: key})
	}
	return defs, dups, nil
}

// ChildDedupKey derives the dedup key of a child from its group and
// definition.
func ChildDedupKey(groupID string, definition []byte) string {
	h := sha256.New()
	h.Write([]byte(groupID))
	h.Write([]byte{0})
	h.Write(definition)
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeBatch builds the definition of a batched child.
func EncodeBatch(items [][]byte) ([]byte, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("jobengine: encode batch: %w", err)
	}
	return data, nil
}

// DecodeBatch returns the items of a batched child definition.
func DecodeBatch(definition []byte) ([][]byte, error) {
	var items [][]byte
	if err := json.Unmarshal(definition, &items); err != nil {
		return nil, fmt.Errorf("jobengine: decode batch: %w", err)
	}
	return items, nil
}

