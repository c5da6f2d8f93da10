// Package queue provides the Queue facade over a core.JobStore.
//
// This package includes:
//   - Queue: validated Enqueue, EnqueueJSON and EnqueueBatch plus cancellation and lookups
//   - Option: Configuration options for job enqueueing
//   - Hook registration for job lifecycle events
//   - Event subscription for monitoring
//
// Workers report lifecycle changes back through the hook and event methods.
package queue
