package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/security"
)

// dequeueOverfetch is how many extra candidates Dequeue reads so that losing
// a few version races to other pollers still fills the batch.
const dequeueOverfetch = 8

// NewJobID returns a time ordered job id.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Enqueue adds a batch of jobs that share one group.
// The batch is atomic: if any dedup key is still held by a live job of the
// same queue type nothing is written and ErrJobConflict is returned.
func (s *GormStorage) Enqueue(ctx context.Context, queueType string, defs []core.JobDefinition, opts core.EnqueueOptions) ([]*core.JobInfo, error) {
	if len(defs) == 0 {
		return nil, core.ErrEmptyBatch
	}

	groupID := opts.GroupID
	if groupID == "" {
		groupID = uuid.NewString()
	}

	now := s.clock()
	seen := make(map[string]struct{}, len(defs))
	jobs := make([]*core.JobInfo, len(defs))
	for i, def := range defs {
		if def.DedupKey != "" {
			if _, dup := seen[def.DedupKey]; dup {
				return nil, fmt.Errorf("%w: dedup key %q repeated in batch", core.ErrJobConflict, def.DedupKey)
			}
			seen[def.DedupKey] = struct{}{}
		}
		jobs[i] = &core.JobInfo{
			ID:             NewJobID(),
			GroupID:        groupID,
			QueueType:      queueType,
			Status:         core.StatusCreated,
			Definition:     def.Payload,
			MaxRetries:     opts.MaxRetries,
			AvailableAt:    now.Add(opts.Delay),
			DedupKey:       def.DedupKey,
			ActiveDedupKey: core.ActiveDedupKeyFor(queueType, def.DedupKey),
			CreateDate:     now,
		}
	}

	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.CreateInBatches(jobs, 100).Error
		})
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("%w: dedup key already held by an active job", core.ErrJobConflict)
		}
		return nil, fmt.Errorf("jobengine/gorm: enqueue: %w", err)
	}
	return jobs, nil
}

// Dequeue leases up to maxCount jobs of queueType to workerID.
//
// Eligible jobs are Created jobs whose AvailableAt has passed and Running jobs
// whose lease expired. Each candidate is taken with a version compare-and-swap
// so two pollers never lease the same job. Cancel requests on jobs nobody
// holds are finalised first.
func (s *GormStorage) Dequeue(ctx context.Context, queueType, workerID string, lease time.Duration, maxCount int) ([]*core.JobInfo, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if lease <= 0 {
		return nil, core.ErrInvalidLeaseTimeout
	}

	var leased []*core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		leased = leased[:0]
		now := s.clock()

		if err := s.finaliseCancelled(ctx, queueType, now); err != nil {
			return err
		}

		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx.
				Where("queue_type = ?", queueType).
				Where("(status = ? AND available_at <= ?) OR (status = ? AND heartbeat_deadline < ?)",
					core.StatusCreated, now, core.StatusRunning, now).
				Order("create_date ASC, id ASC").
				Limit(maxCount + dequeueOverfetch)
			if s.isPostgres() {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			}

			var candidates []*core.JobInfo
			if err := q.Find(&candidates).Error; err != nil {
				return err
			}

			deadline := now.Add(lease)
			for _, job := range candidates {
				if len(leased) == maxCount {
					break
				}
				result := tx.Model(&core.JobInfo{}).
					Where("id = ? AND version = ?", job.ID, job.Version).
					Updates(map[string]any{
						"status":             core.StatusRunning,
						"worker_id":          workerID,
						"heartbeat_deadline": deadline,
						"lease_duration":     lease,
						"start_date":         gorm.Expr("COALESCE(start_date, ?)", now),
						"version":            gorm.Expr("version + 1"),
					})
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					continue
				}

				if job.Status == core.StatusRunning {
					s.logger.Info("reclaimed expired lease",
						"job_id", job.ID, "previous_worker", job.WorkerID, "worker_id", workerID)
				}
				job.Status = core.StatusRunning
				job.WorkerID = workerID
				job.HeartbeatDeadline = &deadline
				job.LeaseDuration = lease
				job.Version++
				if job.StartDate == nil {
					job.StartDate = &now
				}
				leased = append(leased, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("jobengine/gorm: dequeue: %w", err)
	}
	return leased, nil
}

// finaliseCancelled moves cancel-requested jobs that no live lease holds to
// Cancelled.
func (s *GormStorage) finaliseCancelled(ctx context.Context, queueType string, now time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.JobInfo{}).
		Where("queue_type = ? AND cancel_requested = ?", queueType, true).
		Where("(status = ?) OR (status = ? AND heartbeat_deadline < ?)",
			core.StatusCreated, core.StatusRunning, now).
		Updates(map[string]any{
			"status":             core.StatusCancelled,
			"end_date":           now,
			"worker_id":          "",
			"heartbeat_deadline": nil,
			"active_dedup_key":   nil,
			"version":            gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Debug("finalised cancelled jobs", "queue_type", queueType, "count", result.RowsAffected)
	}
	return nil
}

// Heartbeat extends the lease of a running job and records progress when
// non-nil. A stale version yields ErrJobConflict and nothing is written.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, version int64, progress []byte) (*core.JobInfo, error) {
	var out *core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			job, err := getJob(tx, jobID)
			if err != nil {
				return err
			}
			if job.Version != version || job.Status != core.StatusRunning {
				return core.ErrJobConflict
			}

			now := s.clock()
			deadline := now.Add(job.LeaseDuration)
			updates := map[string]any{
				"heartbeat_deadline": deadline,
				"version":            gorm.Expr("version + 1"),
			}
			if progress != nil {
				updates["progress"] = progress
			}

			result := tx.Model(&core.JobInfo{}).
				Where("id = ? AND version = ? AND status = ?", jobID, version, core.StatusRunning).
				Updates(updates)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return core.ErrJobConflict
			}

			job.HeartbeatDeadline = &deadline
			job.Version++
			if progress != nil {
				job.Progress = progress
			}
			out = job
			return nil
		})
	})
	if err != nil {
		return nil, wrapJobErr("heartbeat", err)
	}
	return out, nil
}

// Complete marks a job as successfully completed.
// Completing a job that is already terminal is a no-op that returns the job.
func (s *GormStorage) Complete(ctx context.Context, jobID string, version int64, result []byte) (*core.JobInfo, error) {
	return s.finish(ctx, "complete", jobID, version, func(job *core.JobInfo, now time.Time) map[string]any {
		job.Status = core.StatusCompleted
		job.Result = result
		return map[string]any{
			"status": core.StatusCompleted,
			"result": result,
		}
	})
}

// Fail records a failed attempt. A retriable failure with budget left puts
// the job back to Created after a backoff; anything else is terminal and
// stores req.Cause as the result.
func (s *GormStorage) Fail(ctx context.Context, jobID string, version int64, req core.FailRequest) (*core.JobInfo, error) {
	msg := security.SanitizeErrorMessage(req.Message)

	return s.finish(ctx, "fail", jobID, version, func(job *core.JobInfo, now time.Time) map[string]any {
		job.Attempts++
		job.LastError = msg

		if req.Retriable && job.Attempts <= job.MaxRetries {
			availableAt := now.Add(s.jobBackoff.Next(job.Attempts, req.RetryAfter))
			job.Status = core.StatusCreated
			job.AvailableAt = availableAt
			return map[string]any{
				"status":       core.StatusCreated,
				"attempts":     job.Attempts,
				"last_error":   msg,
				"available_at": availableAt,
			}
		}

		job.Status = core.StatusFailed
		job.Result = req.Cause
		return map[string]any{
			"status":     core.StatusFailed,
			"attempts":   job.Attempts,
			"last_error": msg,
			"result":     req.Cause,
		}
	})
}

// MarkCancelled finalises a cancel request acknowledged by the lease holder.
func (s *GormStorage) MarkCancelled(ctx context.Context, jobID string, version int64, result []byte) (*core.JobInfo, error) {
	return s.finish(ctx, "mark cancelled", jobID, version, func(job *core.JobInfo, now time.Time) map[string]any {
		job.Status = core.StatusCancelled
		job.Result = result
		return map[string]any{
			"status": core.StatusCancelled,
			"result": result,
		}
	})
}

// finish performs a version checked write that releases the lease of a
// running job. apply
// mutates the in-memory copy and returns the column updates. Lease and
// terminal bookkeeping columns are filled in here.
func (s *GormStorage) finish(ctx context.Context, op, jobID string, version int64,
	apply func(job *core.JobInfo, now time.Time) map[string]any) (*core.JobInfo, error) {
	var out *core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			job, err := getJob(tx, jobID)
			if err != nil {
				return err
			}
			if job.IsTerminal() {
				out = job
				return core.ErrJobAlreadyCompleted
			}
			if job.Version != version || job.Status != core.StatusRunning {
				return core.ErrJobConflict
			}

			now := s.clock()
			updates := apply(job, now)
			updates["version"] = gorm.Expr("version + 1")
			updates["worker_id"] = ""
			updates["heartbeat_deadline"] = nil
			if job.Status.IsTerminal() {
				updates["end_date"] = now
				updates["active_dedup_key"] = nil
				job.EndDate = &now
				job.ActiveDedupKey = nil
			}

			result := tx.Model(&core.JobInfo{}).
				Where("id = ? AND version = ? AND status = ?", jobID, version, core.StatusRunning).
				Updates(updates)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return core.ErrJobConflict
			}

			job.Version++
			job.WorkerID = ""
			job.HeartbeatDeadline = nil
			out = job
			return nil
		})
	})
	if errors.Is(err, core.ErrJobAlreadyCompleted) {
		s.logger.Debug("job already terminal", "op", op, "job_id", jobID, "status", out.Status)
		return out, nil
	}
	if err != nil {
		return nil, wrapJobErr(op, err)
	}
	return out, nil
}

// CancelJob requests cooperative cancellation of one job. Terminal jobs are
// left alone and count as zero affected.
func (s *GormStorage) CancelJob(ctx context.Context, jobID string) (int64, error) {
	return s.requestCancel(ctx, "cancel job", "id = ?", jobID)
}

// CancelGroup requests cooperative cancellation of every live job in a group.
func (s *GormStorage) CancelGroup(ctx context.Context, groupID string) (int64, error) {
	return s.requestCancel(ctx, "cancel group", "group_id = ?", groupID)
}

func (s *GormStorage) requestCancel(ctx context.Context, op, where string, arg string) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		result := s.db.WithContext(ctx).
			Model(&core.JobInfo{}).
			Where(where, arg).
			Where("status NOT IN ?", core.TerminalStatuses).
			Where("cancel_requested = ?", false).
			Update("cancel_requested", true)
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		if affected > 0 {
			return nil
		}

		var count int64
		if err := s.db.WithContext(ctx).Model(&core.JobInfo{}).Where(where, arg).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return core.ErrJobNotExist
		}
		return nil
	})
	if err != nil {
		return 0, wrapJobErr(op, err)
	}
	return affected, nil
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.JobInfo, error) {
	var out *core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		job, err := getJob(s.db.WithContext(ctx), jobID)
		out = job
		return err
	})
	if err != nil {
		return nil, wrapJobErr("get job", err)
	}
	return out, nil
}

// GetJobsByGroup returns every job of a group, oldest first.
func (s *GormStorage) GetJobsByGroup(ctx context.Context, groupID string) ([]*core.JobInfo, error) {
	var jobs []*core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).
			Where("group_id = ?", groupID).
			Order("create_date ASC, id ASC").
			Find(&jobs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("jobengine/gorm: get jobs by group: %w", err)
	}
	if len(jobs) == 0 {
		return nil, core.ErrJobNotExist
	}
	return jobs, nil
}

// PurgeJobs deletes terminal jobs that ended before olderThan.
func (s *GormStorage) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		result := s.db.WithContext(ctx).
			Where("status IN ?", core.TerminalStatuses).
			Where("end_date < ?", olderThan.UTC()).
			Delete(&core.JobInfo{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("jobengine/gorm: purge jobs: %w", err)
	}
	return deleted, nil
}

func getJob(db *gorm.DB, jobID string) (*core.JobInfo, error) {
	var job core.JobInfo
	if err := db.Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrJobNotExist
		}
		return nil, err
	}
	return &job, nil
}

// wrapJobErr leaves engine sentinels bare so callers can compare them and
// annotates everything else.
func wrapJobErr(op string, err error) error {
	switch {
	case errors.Is(err, core.ErrJobNotExist), errors.Is(err, core.ErrJobConflict):
		return err
	}
	return fmt.Errorf("jobengine/gorm: %s: %w", op, err)
}
