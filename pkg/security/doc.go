// Package security provides validation, sanitization, and limits for the job engine.
//
// This package includes:
//   - Input validation for queue types, job definitions, lock and partition names
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on retries and concurrency
package security
