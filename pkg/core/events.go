package core

import "time"

// Event is the interface for all engine events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a worker begins executing a leased job.
type JobStarted struct {
	Job       *JobInfo
	WorkerID  string
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *JobInfo
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *JobInfo
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when a failed job is put back for another attempt.
type JobRetrying struct {
	Job         *JobInfo
	Attempt     int
	Error       error
	AvailableAt time.Time
	Timestamp   time.Time
}

func (*JobRetrying) eventMarker() {}

// JobCancelled is emitted when a worker finalises a cancel request.
type JobCancelled struct {
	Job       *JobInfo
	Timestamp time.Time
}

func (*JobCancelled) eventMarker() {}

// OwnershipLost is emitted when a worker discovers that another worker took
// over its job. The losing worker writes nothing further for that job.
type OwnershipLost struct {
	JobID     string
	WorkerID  string
	Version   int64
	Error     error
	Timestamp time.Time
}

func (*OwnershipLost) eventMarker() {}
