package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/security"
)

// stagingAvailableAt keeps a batch invisible to Dequeue until every document
// of it is inserted. Batches left staged longer than the staging timeout were
// never acknowledged to the caller and are removed by Dequeue.
var stagingAvailableAt = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

var terminalStatuses = bson.A{core.StatusCompleted, core.StatusFailed, core.StatusCancelled}

// Enqueue inserts a batch of jobs that share one group. The batch is inserted
// hidden, then published; on a dedup conflict the inserted part is removed and
// ErrJobConflict is returned. A batch that fails to publish is removed too.
func (s *Store) Enqueue(ctx context.Context, queueType string, defs []core.JobDefinition, opts core.EnqueueOptions) ([]*core.JobInfo, error) {
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
	docs := make([]any, len(defs))
	ids := make(bson.A, len(defs))
	for i, def := range defs {
		if def.DedupKey != "" {
			if _, dup := seen[def.DedupKey]; dup {
				return nil, fmt.Errorf("%w: dedup key %q repeated in batch", core.ErrJobConflict, def.DedupKey)
			}
			seen[def.DedupKey] = struct{}{}
		}
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		job := &core.JobInfo{
			ID:             id.String(),
			GroupID:        groupID,
			QueueType:      queueType,
			Status:         core.StatusCreated,
			Definition:     def.Payload,
			MaxRetries:     opts.MaxRetries,
			AvailableAt:    stagingAvailableAt,
			DedupKey:       def.DedupKey,
			ActiveDedupKey: core.ActiveDedupKeyFor(queueType, def.DedupKey),
			CreateDate:     now,
			UpdatedAt:      now,
		}
		jobs[i] = job
		docs[i] = job
		ids[i] = job.ID
	}

	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.jobs().InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			// A retried insert may find its own documents from the previous try.
			_, _ = s.jobs().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
		}
		return err
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if _, derr := s.jobs().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); derr != nil {
				s.logger.Error("failed to remove partial batch", "group_id", groupID, "error", derr)
			}
			return nil, fmt.Errorf("%w: dedup key already held by an active job", core.ErrJobConflict)
		}
		return nil, fmt.Errorf("jobengine/mongo: enqueue: %w", err)
	}

	availableAt := now.Add(opts.Delay)
	var published int64
	err = s.withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.jobs().UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": ids}, "available_at": stagingAvailableAt},
			bson.M{"$set": bson.M{"available_at": availableAt}}); err != nil {
			return err
		}
		var err error
		published, err = s.jobs().CountDocuments(ctx,
			bson.M{"_id": bson.M{"$in": ids}, "available_at": bson.M{"$ne": stagingAvailableAt}})
		return err
	})
	if err == nil && published != int64(len(ids)) {
		err = fmt.Errorf("%d of %d jobs published, batch was reclaimed", published, len(ids))
	}
	if err != nil {
		s.discardBatch(groupID, ids)
		return nil, fmt.Errorf("jobengine/mongo: publish batch: %w", err)
	}
	for _, j := range jobs {
		j.AvailableAt = availableAt
	}
	return jobs, nil
}

// discardBatch removes the never-leased documents of a batch that could not be
// published. It runs detached from the caller's context, which may be the
// reason the publish failed.
func (s *Store) discardBatch(groupID string, ids bson.A) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.jobs().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}, "version": 0})
		return err
	})
	if err != nil {
		s.logger.Error("failed to remove unpublished batch", "group_id", groupID, "error", err)
	}
}

// reclaimStaged deletes batches whose enqueue never published them.
func (s *Store) reclaimStaged(ctx context.Context, queueType string, now time.Time) error {
	res, err := s.jobs().DeleteMany(ctx, bson.M{
		"queue_type":   queueType,
		"status":       core.StatusCreated,
		"available_at": stagingAvailableAt,
		"create_date":  bson.M{"$lt": now.Add(-s.stagingTimeout)},
	})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		s.logger.Warn("removed unpublished jobs", "queue_type", queueType, "count", res.DeletedCount)
	}
	return nil
}

// Dequeue leases up to maxCount jobs with one atomic FindOneAndUpdate each.
func (s *Store) Dequeue(ctx context.Context, queueType, workerID string, lease time.Duration, maxCount int) ([]*core.JobInfo, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if lease <= 0 {
		return nil, core.ErrInvalidLeaseTimeout
	}

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		now := s.clock()
		if err := s.reclaimStaged(ctx, queueType, now); err != nil {
			return err
		}
		return s.finaliseCancelled(ctx, queueType, now)
	}); err != nil {
		return nil, fmt.Errorf("jobengine/mongo: dequeue: %w", err)
	}

	leased := make([]*core.JobInfo, 0, maxCount)
	for len(leased) < maxCount {
		var job core.JobInfo
		err := s.withRetry(ctx, func(ctx context.Context) error {
			now := s.clock()
			filter := bson.M{
				"queue_type": queueType,
				"$or": bson.A{
					bson.M{"status": core.StatusCreated, "available_at": bson.M{"$lte": now}},
					bson.M{"status": core.StatusRunning, "heartbeat_deadline": bson.M{"$lt": now}},
				},
			}
			update := bson.M{
				"$set": bson.M{
					"status":             core.StatusRunning,
					"worker_id":          workerID,
					"heartbeat_deadline": now.Add(lease),
					"lease_duration":     lease,
					"updated_at":         now,
				},
				"$min": bson.M{"start_date": now},
				"$inc": bson.M{"version": 1},
			}
			opts := options.FindOneAndUpdate().
				SetReturnDocument(options.After).
				SetSort(bson.D{{Key: "create_date", Value: 1}, {Key: "_id", Value: 1}})
			return s.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
		})
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("jobengine/mongo: dequeue: %w", err)
		}
		leased = append(leased, &job)
	}
	return leased, nil
}

func (s *Store) finaliseCancelled(ctx context.Context, queueType string, now time.Time) error {
	res, err := s.jobs().UpdateMany(ctx,
		bson.M{
			"queue_type":       queueType,
			"cancel_requested": true,
			"$or": bson.A{
				bson.M{"status": core.StatusCreated},
				bson.M{"status": core.StatusRunning, "heartbeat_deadline": bson.M{"$lt": now}},
			},
		},
		bson.M{
			"$set": bson.M{
				"status":     core.StatusCancelled,
				"end_date":   now,
				"worker_id":  "",
				"updated_at": now,
			},
			"$unset": bson.M{"heartbeat_deadline": "", "active_dedup_key": ""},
			"$inc":   bson.M{"version": 1},
		})
	if err != nil {
		return err
	}
	if res.ModifiedCount > 0 {
		s.logger.Debug("finalised cancelled jobs", "queue_type", queueType, "count", res.ModifiedCount)
	}
	return nil
}

// Heartbeat extends the lease of a running job and records progress when
// non-nil.
func (s *Store) Heartbeat(ctx context.Context, jobID string, version int64, progress []byte) (*core.JobInfo, error) {
	var out core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		job, err := s.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Version != version || job.Status != core.StatusRunning {
			return core.ErrJobConflict
		}

		now := s.clock()
		set := bson.M{
			"heartbeat_deadline": now.Add(job.LeaseDuration),
			"updated_at":         now,
		}
		if progress != nil {
			set["progress"] = progress
		}
		return s.jobs().FindOneAndUpdate(ctx,
			bson.M{"_id": jobID, "version": version, "status": core.StatusRunning},
			bson.M{"$set": set, "$inc": bson.M{"version": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&out)
	})
	if err != nil {
		if isNoDocuments(err) {
			return nil, core.ErrJobConflict
		}
		return nil, wrapJobErr("heartbeat", err)
	}
	return &out, nil
}

// Complete marks a job as successfully completed.
func (s *Store) Complete(ctx context.Context, jobID string, version int64, result []byte) (*core.JobInfo, error) {
	return s.finish(ctx, "complete", jobID, version, func(job *core.JobInfo, now time.Time) bson.M {
		return bson.M{"status": core.StatusCompleted, "result": result}
	})
}

// Fail records a failed attempt, putting the job back to Created while the
// failure is retriable and budget remains.
func (s *Store) Fail(ctx context.Context, jobID string, version int64, req core.FailRequest) (*core.JobInfo, error) {
	msg := security.SanitizeErrorMessage(req.Message)
	return s.finish(ctx, "fail", jobID, version, func(job *core.JobInfo, now time.Time) bson.M {
		attempts := job.Attempts + 1
		if req.Retriable && attempts <= job.MaxRetries {
			return bson.M{
				"status":       core.StatusCreated,
				"attempts":     attempts,
				"last_error":   msg,
				"available_at": now.Add(s.jobBackoff.Next(attempts, req.RetryAfter)),
			}
		}
		return bson.M{
			"status":     core.StatusFailed,
			"attempts":   attempts,
			"last_error": msg,
			"result":     req.Cause,
		}
	})
}

// MarkCancelled finalises a cancel request acknowledged by the lease holder.
func (s *Store) MarkCancelled(ctx context.Context, jobID string, version int64, result []byte) (*core.JobInfo, error) {
	return s.finish(ctx, "mark cancelled", jobID, version, func(job *core.JobInfo, now time.Time) bson.M {
		return bson.M{"status": core.StatusCancelled, "result": result}
	})
}

func (s *Store) finish(ctx context.Context, op, jobID string, version int64,
	apply func(job *core.JobInfo, now time.Time) bson.M) (*core.JobInfo, error) {
	var out core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		job, err := s.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			out = *job
			return core.ErrJobAlreadyCompleted
		}
		if job.Version != version || job.Status != core.StatusRunning {
			return core.ErrJobConflict
		}

		now := s.clock()
		set := apply(job, now)
		set["worker_id"] = ""
		set["updated_at"] = now
		unset := bson.M{"heartbeat_deadline": ""}
		if status, _ := set["status"].(core.JobStatus); status.IsTerminal() {
			set["end_date"] = now
			unset["active_dedup_key"] = ""
		}

		return s.jobs().FindOneAndUpdate(ctx,
			bson.M{"_id": jobID, "version": version, "status": core.StatusRunning},
			bson.M{"$set": set, "$unset": unset, "$inc": bson.M{"version": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&out)
	})
	switch {
	case errors.Is(err, core.ErrJobAlreadyCompleted):
		s.logger.Debug("job already terminal", "op", op, "job_id", jobID, "status", out.Status)
		return &out, nil
	case isNoDocuments(err):
		return nil, core.ErrJobConflict
	case err != nil:
		return nil, wrapJobErr(op, err)
	}
	return &out, nil
}

// CancelJob requests cooperative cancellation of one job.
func (s *Store) CancelJob(ctx context.Context, jobID string) (int64, error) {
	return s.requestCancel(ctx, "cancel job", bson.M{"_id": jobID})
}

// CancelGroup requests cooperative cancellation of every live job in a group.
func (s *Store) CancelGroup(ctx context.Context, groupID string) (int64, error) {
	return s.requestCancel(ctx, "cancel group", bson.M{"group_id": groupID})
}

func (s *Store) requestCancel(ctx context.Context, op string, match bson.M) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		filter := bson.M{"status": bson.M{"$nin": terminalStatuses}, "cancel_requested": false}
		for k, v := range match {
			filter[k] = v
		}
		res, err := s.jobs().UpdateMany(ctx, filter, bson.M{"$set": bson.M{"cancel_requested": true}})
		if err != nil {
			return err
		}
		affected = res.ModifiedCount
		if affected > 0 {
			return nil
		}
		n, err := s.jobs().CountDocuments(ctx, match)
		if err != nil {
			return err
		}
		if n == 0 {
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
func (s *Store) GetJob(ctx context.Context, jobID string) (*core.JobInfo, error) {
	var out *core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		job, err := s.getJob(ctx, jobID)
		out = job
		return err
	})
	if err != nil {
		return nil, wrapJobErr("get job", err)
	}
	return out, nil
}

// GetJobsByGroup returns every job of a group, oldest first.
func (s *Store) GetJobsByGroup(ctx context.Context, groupID string) ([]*core.JobInfo, error) {
	var jobs []*core.JobInfo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		cursor, err := s.jobs().Find(ctx, bson.M{"group_id": groupID},
			options.Find().SetSort(bson.D{{Key: "create_date", Value: 1}, {Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		jobs = nil
		return cursor.All(ctx, &jobs)
	})
	if err != nil {
		return nil, fmt.Errorf("jobengine/mongo: get jobs by group: %w", err)
	}
	if len(jobs) == 0 {
		return nil, core.ErrJobNotExist
	}
	return jobs, nil
}

// PurgeJobs deletes terminal jobs that ended before olderThan.
func (s *Store) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.jobs().DeleteMany(ctx, bson.M{
			"status":   bson.M{"$in": terminalStatuses},
			"end_date": bson.M{"$lt": olderThan.UTC()},
		})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jobengine/mongo: purge jobs: %w", err)
	}
	return deleted, nil
}

func (s *Store) getJob(ctx context.Context, jobID string) (*core.JobInfo, error) {
	var job core.JobInfo
	if err := s.jobs().FindOne(ctx, bson.M{"_id": jobID}).Decode(&job); err != nil {
		if isNoDocuments(err) {
			return nil, core.ErrJobNotExist
		}
		return nil, err
	}
	return &job, nil
}

func wrapJobErr(op string, err error) error {
	switch {
	case errors.Is(err, core.ErrJobNotExist), errors.Is(err, core.ErrJobConflict):
		return err
	}
	return fmt.Errorf("jobengine/mongo: %s: %w", op, err)
}
