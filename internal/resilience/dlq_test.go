package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDLQEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e := NewDLQEntry("d1", "sig-1", "extract", Infrastructure("anthropic", errors.New("down")), 3, time.Minute, now)
	assert.Equal(t, "sig-1", e.SignalID)
	assert.Equal(t, KindInfrastructure, e.Kind)
	assert.True(t, e.Retryable)
	assert.Equal(t, now.Add(time.Minute), e.NextRetryAt)
	assert.True(t, e.CanRetry())

	e = NewDLQEntry("d2", "sig-2", "extract", Validation("missing id"), 3, time.Minute, now)
	assert.Equal(t, KindValidation, e.Kind)
	assert.False(t, e.CanRetry())
}

func TestDLQEntry_CanRetry(t *testing.T) {
	e := DLQEntry{Retryable: true, RetryCount: 2, MaxRetries: 3}
	assert.True(t, e.CanRetry())
	e.RetryCount = 3
	assert.False(t, e.CanRetry())
}
