// Package security provides validation, sanitization, and limits for the job engine.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/jobengine/pkg/core"
)

// Security limits and configuration
const (
	// MaxQueueTypeLength is the maximum length for queue type names
	MaxQueueTypeLength = 255

	// MaxDefinitionSize is the maximum size in bytes for a job definition (1MB)
	MaxDefinitionSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxDedupKeyLength is the maximum length for dedup keys
	MaxDedupKeyLength = 255

	// MaxNameLength bounds lock and partition names
	MaxNameLength = 255
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateQueueType validates a queue type name
func ValidateQueueType(name string) error {
	if name == "" {
		return core.ErrInvalidQueueType
	}
	if len(name) > MaxQueueTypeLength {
		return core.ErrQueueTypeTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidQueueType
	}
	return nil
}

// ValidateDefinition checks a definition against size and key limits
func ValidateDefinition(def core.JobDefinition) error {
	if len(def.Payload) > MaxDefinitionSize {
		return core.ErrDefinitionTooLarge
	}
	return ValidateDedupKey(def.DedupKey)
}

// ValidateDedupKey validates a dedup key length
func ValidateDedupKey(key string) error {
	if len(key) > MaxDedupKeyLength {
		return core.ErrDedupKeyTooLong
	}
	return nil
}

// ValidateLockName validates a distributed lock name
func ValidateLockName(name string) error {
	if name == "" || len(name) > MaxNameLength || !utf8.ValidString(name) {
		return core.ErrInvalidLockName
	}
	return nil
}

// ValidatePartitionName validates a partition name. Partition names are
// user supplied tenant identifiers, so any printable text is accepted.
func ValidatePartitionName(name string) error {
	if strings.TrimSpace(name) == "" || len(name) > MaxNameLength || !utf8.ValidString(name) {
		return core.ErrInvalidPartition
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return core.ErrInvalidPartition
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
