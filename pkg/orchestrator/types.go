package orchestrator

import (
	"context"
	"fmt"

	"github.com/jdziat/jobengine/pkg/core"
)

// Page is one page of search matches.
type Page struct {
	Items [][]byte
	// ContinuationToken resumes the search after this page. Empty means the
	// search is exhausted.
	ContinuationToken string
}

// Searcher pages through the items a group operation applies to.
type Searcher interface {
	Search(ctx context.Context, query []byte, token string) (Page, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query []byte, token string) (Page, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, query []byte, token string) (Page, error) {
	return f(ctx, query, token)
}

// CheckpointFunc records the token of the next page to dispatch. A non-nil
// error stops Dispatch.
type CheckpointFunc func(ctx context.Context, token string) error

// DispatchRequest starts or resumes the dispatch of one group.
type DispatchRequest struct {
	GroupID     string
	Query       []byte
	ResumeToken string
}

// DispatchResult summarises a finished dispatch.
type DispatchResult struct {
	GroupID  string `json:"group_id"`
	Pages    int    `json:"pages"`
	Items    int    `json:"items"`
	Enqueued int    `json:"enqueued"`
	// Skipped counts children that were still pending from an earlier run.
	Skipped int `json:"skipped"`
}

// GroupStatus is the aggregated state of a group.
type GroupStatus struct {
	GroupID string
	// Done is true once every member is terminal.
	Done bool
	// Status is the resolved outcome when Done, Running otherwise.
	Status core.JobStatus

	Total     int
	Pending   int
	Completed int
	Failed    int
	Cancelled int

	// Failures holds the first failures in creation order.
	Failures []ChildFailure
	// Children lists every member in creation order.
	Children []*core.JobInfo
}

// Err returns an *Error when the group resolved as Failed.
func (s *GroupStatus) Err() error {
	if !s.Done || s.Status != core.StatusFailed {
		return nil
	}
	return &Error{
		GroupID:     s.GroupID,
		TotalCount:  s.Total,
		FailedCount: s.Failed,
		Failures:    s.Failures,
	}
}

// ChildFailure describes one failed member of a group.
type ChildFailure struct {
	Index    int
	JobID    string
	Error    string
	Attempts int
}

// Error reports a group that resolved as Failed.
type Error struct {
	GroupID     string
	TotalCount  int
	FailedCount int
	Failures    []ChildFailure
}

func (e *Error) Error() string {
	return fmt.Sprintf("group %s failed: %d/%d jobs failed", e.GroupID, e.FailedCount, e.TotalCount)
}

// Result is the decoded outcome of one group member.
type Result[T any] struct {
	Index int    // Position in creation order
	JobID string // Member job id
	Value T      // Result if completed
	Err   error  // Error if failed or cancelled
}
