// Package worker provides the Worker type that leases and runs jobs.
//
// A Worker polls the job store for each configured queue type, runs the
// registered handler under a renewed lease and records the outcome with a
// version checked write. A worker that finds its version stale stops the
// handler and writes nothing further for that job.
//
// This package includes:
//   - Worker: polls, executes and finalises jobs
//   - WorkerOption: worker and per-queue configuration
//   - Tracing and metrics through OpenTelemetry
//
// Most users should import the root package github.com/jdziat/jobengine,
// which builds workers from an Engine.
package worker
