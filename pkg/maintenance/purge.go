package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/jobengine/pkg/core"
)

// PurgeTaskName is the name of the task built by PurgeTask.
const PurgeTaskName = "purge-jobs"

// DefaultRetention is how long terminal jobs are kept.
const DefaultRetention = 30 * 24 * time.Hour

// PurgeTask deletes terminal jobs that ended more than retention ago.
func PurgeTask(store core.JobStore, retention time.Duration, schedule string, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	return Task{
		Name:     PurgeTaskName,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-retention)
			n, err := store.PurgeJobs(ctx, cutoff)
			if err != nil {
				return err
			}
			logger.Info("purged terminal jobs", "count", n, "ended_before", cutoff)
			return nil
		},
	}
}
