// Package retry classifies failures and retries transient ones.
//
// A Classifier sorts an error into Retriable, ExecutionTimeout or Fatal by
// looking for typed markers (core.RetriableError, core.NoRetryError,
// core.RetryAfterError, backend matchers) anywhere in the wrap chain and then
// for well known message fragments such as "deadlock" or "too many requests".
//
// Policy computes capped exponential backoff with jitter, and Do runs an
// operation under a Policy, retrying only Retriable failures.
package retry
