// Package core provides the fundamental types and interfaces for the job engine.
//
// This package contains:
//   - JobInfo, DistributedLock and Partition models with gorm and bson annotations
//   - JobStore, LockStore and PartitionStore interfaces defining the persistence contract
//   - Event types for worker monitoring
//   - Error types for job processing
//
// Most users should import the root package github.com/jdziat/jobengine
// instead of this package directly.
package core
