package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jdziat/jobengine/pkg/core"
)

// Results decodes the JSON result of every terminal member of the group.
// Pending members are left out.
func Results[T any](s *GroupStatus) []Result[T] {
	results := make([]Result[T], 0, len(s.Children))
	for i, job := range s.Children {
		r := Result[T]{Index: i, JobID: job.ID}
		switch job.Status {
		case core.StatusCompleted:
			if len(job.Result) > 0 {
				if err := json.Unmarshal(job.Result, &r.Value); err != nil {
					r.Err = fmt.Errorf("failed to unmarshal result: %w", err)
				}
			}
		case core.StatusFailed:
			r.Err = errors.New(job.LastError)
		case core.StatusCancelled:
			r.Err = fmt.Errorf("job %s was cancelled", job.ID)
		default:
			continue
		}
		results = append(results, r)
	}
	return results
}

// Values extracts values from successful results.
func Values[T any](results []Result[T]) []T {
	values := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			values = append(values, r.Value)
		}
	}
	return values
}

// Partition splits results into successes and failures.
func Partition[T any](results []Result[T]) ([]T, []error) {
	successes := make([]T, 0)
	failures := make([]error, 0)
	for _, r := range results {
		if r.Err == nil {
			successes = append(successes, r.Value)
		} else {
			failures = append(failures, r.Err)
		}
	}
	return successes, failures
}

// AllSucceeded checks if all results succeeded.
func AllSucceeded[T any](results []Result[T]) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// SuccessCount returns the number of successful results.
func SuccessCount[T any](results []Result[T]) int {
	count := 0
	for _, r := range results {
		if r.Err == nil {
			count++
		}
	}
	return count
}
