// Package core provides the domain models and interfaces for the job engine.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusCreated   JobStatus = "created"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses lists every status a job can finish in.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}

// JobInfo is the durable record of one unit of work.
//
// Version is bumped by every write that changes ownership or status
// (dequeue, heartbeat, complete, fail, cancellation, reclamation). Callers
// hand back the version they last observed and the store rejects the write
// when it no longer matches.
type JobInfo struct {
	ID                string     `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	GroupID           string     `gorm:"index;size:36;not null" bson:"group_id" json:"group_id"`
	QueueType         string     `gorm:"index:idx_jobs_dequeue,priority:1;size:255;not null" bson:"queue_type" json:"queue_type"`
	Status            JobStatus  `gorm:"index:idx_jobs_dequeue,priority:2;size:20;default:'created'" bson:"status" json:"status"`
	Definition        []byte     `bson:"definition,omitempty" json:"definition,omitempty"`
	Result            []byte     `bson:"result,omitempty" json:"result,omitempty"`
	Progress          []byte     `bson:"progress,omitempty" json:"progress,omitempty"`
	Version           int64      `gorm:"not null" bson:"version" json:"version"`
	HeartbeatDeadline *time.Time `gorm:"index" bson:"heartbeat_deadline,omitempty" json:"heartbeat_deadline,omitempty"`
	AvailableAt       time.Time  `gorm:"index" bson:"available_at" json:"available_at"`
	CancelRequested   bool       `gorm:"not null" bson:"cancel_requested" json:"cancel_requested"`
	Attempts          int        `gorm:"not null" bson:"attempts" json:"attempts"`
	MaxRetries        int        `gorm:"not null" bson:"max_retries" json:"max_retries"`
	LastError         string     `gorm:"type:text" bson:"last_error,omitempty" json:"last_error,omitempty"`
	WorkerID          string     `gorm:"size:255" bson:"worker_id,omitempty" json:"worker_id,omitempty"`
	DedupKey          string     `gorm:"size:255" bson:"dedup_key,omitempty" json:"dedup_key,omitempty"`

	// LeaseDuration is the lease granted at dequeue; heartbeats extend by it.
	LeaseDuration time.Duration `gorm:"not null" bson:"lease_duration" json:"lease_duration"`

	// ActiveDedupKey is "<queue type>:<dedup key>" while the job is not
	// terminal and NULL afterwards. The unique index on it rejects a second
	// live job with the same key.
	ActiveDedupKey *string `gorm:"uniqueIndex:idx_jobs_active_dedup;size:520" bson:"active_dedup_key,omitempty" json:"-"`

	CreateDate time.Time  `gorm:"index;not null" bson:"create_date" json:"create_date"`
	StartDate  *time.Time `bson:"start_date,omitempty" json:"start_date,omitempty"`
	EndDate    *time.Time `gorm:"index" bson:"end_date,omitempty" json:"end_date,omitempty"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" bson:"updated_at" json:"updated_at"`
}

// TableName pins the table name used by gorm.
func (JobInfo) TableName() string { return "jobs" }

// IsTerminal reports whether the job has finished.
func (j *JobInfo) IsTerminal() bool { return j.Status.IsTerminal() }

// LeaseExpired reports whether a running job's lease has lapsed at now.
func (j *JobInfo) LeaseExpired(now time.Time) bool {
	return j.Status == StatusRunning && (j.HeartbeatDeadline == nil || j.HeartbeatDeadline.Before(now))
}

// ActiveDedupKeyFor builds the value stored in JobInfo.ActiveDedupKey.
func ActiveDedupKeyFor(queueType, dedupKey string) *string {
	if dedupKey == "" {
		return nil
	}
	k := queueType + ":" + dedupKey
	return &k
}

// JobDefinition is one job to enqueue. Payload is opaque to the engine.
type JobDefinition struct {
	Payload  []byte
	DedupKey string
}

// EnqueueOptions applies to every definition in one Enqueue call.
type EnqueueOptions struct {
	// GroupID joins the jobs to an existing group. A fresh id is generated
	// when empty.
	GroupID    string
	MaxRetries int
	// Delay postpones the first lease.
	Delay time.Duration
}

// FailRequest describes a failed execution attempt.
type FailRequest struct {
	// Cause is the serialized failure stored as the job result when the
	// failure is terminal.
	Cause []byte
	// Message is a human readable summary kept in LastError.
	Message    string
	Retriable  bool
	RetryAfter time.Duration
}

// DistributedLock is a named, leased mutual-exclusion row.
type DistributedLock struct {
	Name       string    `gorm:"primaryKey;size:255" bson:"_id"`
	Holder     string    `gorm:"size:255;not null" bson:"holder"`
	Token      string    `gorm:"size:36;not null" bson:"token"`
	ExpiresAt  time.Time `gorm:"index;not null" bson:"expires_at"`
	AcquiredAt time.Time `bson:"acquired_at"`
}

// TableName pins the table name used by gorm.
func (DistributedLock) TableName() string { return "distributed_locks" }

// Partition maps a logical partition name to a stable integer id.
type Partition struct {
	ID         int       `gorm:"primaryKey;autoIncrement" bson:"id"`
	Name       string    `gorm:"uniqueIndex;size:255;not null" bson:"_id"`
	CreateDate time.Time `gorm:"autoCreateTime" bson:"create_date"`
}

// TableName pins the table name used by gorm.
func (Partition) TableName() string { return "partitions" }
