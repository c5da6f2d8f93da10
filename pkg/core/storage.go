package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// JobStore is the durable job queue shared by every worker.
//
// Writes that take or keep ownership are compare-and-swap on JobInfo.Version:
// a stale version yields ErrJobConflict and leaves the record untouched.
type JobStore interface {
	// Enqueue persists one Created job per definition under a shared group.
	Enqueue(ctx context.Context, queueType string, defs []JobDefinition, opts EnqueueOptions) ([]*JobInfo, error)

	// Dequeue leases up to maxCount eligible jobs to workerID for lease.
	Dequeue(ctx context.Context, queueType, workerID string, lease time.Duration, maxCount int) ([]*JobInfo, error)

	// Heartbeat extends the lease and optionally records progress.
	Heartbeat(ctx context.Context, jobID string, version int64, progress []byte) (*JobInfo, error)

	// Terminal writes
	Complete(ctx context.Context, jobID string, version int64, result []byte) (*JobInfo, error)
	Fail(ctx context.Context, jobID string, version int64, req FailRequest) (*JobInfo, error)
	MarkCancelled(ctx context.Context, jobID string, version int64, result []byte) (*JobInfo, error)

	// Cooperative cancellation
	CancelJob(ctx context.Context, jobID string) (int64, error)
	CancelGroup(ctx context.Context, groupID string) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*JobInfo, error)
	GetJobsByGroup(ctx context.Context, groupID string) ([]*JobInfo, error)

	// PurgeJobs deletes terminal jobs that ended before olderThan.
	PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// LockStore holds leased named locks. Every call is non-blocking.
type LockStore interface {
	// TryAcquireLock takes name for holder when it is free or expired.
	TryAcquireLock(ctx context.Context, name, holder, token string, lease time.Duration) (bool, error)
	// RenewLock extends the lease when token still owns name.
	RenewLock(ctx context.Context, name, token string, lease time.Duration) (bool, error)
	// ReleaseLock drops name when token still owns it.
	ReleaseLock(ctx context.Context, name, token string) (bool, error)
}

// PartitionStore persists partition name to id mappings.
type PartitionStore interface {
	// GetPartition returns ErrPartitionNotFound when name is unknown.
	GetPartition(ctx context.Context, name string) (*Partition, error)
	// CreatePartition returns ErrPartitionExists when name was inserted
	// concurrently.
	CreatePartition(ctx context.Context, name string) (*Partition, error)
	ListPartitions(ctx context.Context) ([]*Partition, error)
}

// Store is the full persistence contract of the engine.
type Store interface {
	JobStore
	LockStore
	PartitionStore

	// Migrate creates the necessary tables, collections and indexes.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
