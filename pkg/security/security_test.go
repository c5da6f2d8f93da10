package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/jobengine/pkg/core"
)

func TestValidateQueueType_Valid(t *testing.T) {
	validNames := []string{
		"bulk-export",
		"reindex",
		"conditional_delete",
		"Import.V2",
		"a",
	}

	for _, name := range validNames {
		assert.NoError(t, ValidateQueueType(name), "Expected %q to be valid", name)
	}
}

func TestValidateQueueType_Invalid(t *testing.T) {
	invalidNames := []string{
		"",                       // empty
		"123-export",             // starts with number
		"-export",                // starts with hyphen
		"bulk export",            // contains spaces
		"export:patient",         // contains colon
		"export/patient",         // contains slash
		strings.Repeat("a", 300), // too long
	}

	for _, name := range invalidNames {
		assert.Error(t, ValidateQueueType(name), "Expected %q to be invalid", name)
	}
	assert.ErrorIs(t, ValidateQueueType(strings.Repeat("a", 300)), core.ErrQueueTypeTooLong)
}

func TestValidateDefinition(t *testing.T) {
	assert.NoError(t, ValidateDefinition(core.JobDefinition{Payload: []byte(`{}`), DedupKey: "k"}))
	assert.ErrorIs(t,
		ValidateDefinition(core.JobDefinition{Payload: make([]byte, MaxDefinitionSize+1)}),
		core.ErrDefinitionTooLarge)
	assert.ErrorIs(t,
		ValidateDefinition(core.JobDefinition{DedupKey: strings.Repeat("k", MaxDedupKeyLength+1)}),
		core.ErrDedupKeyTooLong)
}

func TestValidateLockName(t *testing.T) {
	assert.NoError(t, ValidateLockName("maintenance:purge"))
	assert.ErrorIs(t, ValidateLockName(""), core.ErrInvalidLockName)
	assert.ErrorIs(t, ValidateLockName(strings.Repeat("l", MaxNameLength+1)), core.ErrInvalidLockName)
}

func TestValidatePartitionName(t *testing.T) {
	assert.NoError(t, ValidatePartitionName("tenant one"))
	assert.NoError(t, ValidatePartitionName("Hôpital-7"))
	assert.ErrorIs(t, ValidatePartitionName("   "), core.ErrInvalidPartition)
	assert.ErrorIs(t, ValidatePartitionName("bad\x00name"), core.ErrInvalidPartition)
	assert.ErrorIs(t, ValidatePartitionName(strings.Repeat("p", MaxNameLength+1)), core.ErrInvalidPartition)
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", SanitizeErrorMessage(""))
	assert.Equal(t, "line1\nline2", SanitizeErrorMessage("line1\nline2"))
	assert.Equal(t, "nullbyte", SanitizeErrorMessage("null\x00byte"))

	long := strings.Repeat("x", MaxErrorMessageLength+50)
	out := SanitizeErrorMessage(long)
	assert.Len(t, []rune(out), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestClampRetries(t *testing.T) {
	assert.Equal(t, 0, ClampRetries(-1))
	assert.Equal(t, 3, ClampRetries(3))
	assert.Equal(t, MaxRetries, ClampRetries(MaxRetries+1))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, ClampConcurrency(0))
	assert.Equal(t, 8, ClampConcurrency(8))
	assert.Equal(t, MaxConcurrency, ClampConcurrency(MaxConcurrency+1))
}
