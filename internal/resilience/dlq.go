package resilience

import (
	"time"
)

// DLQEntry records a signal whose processing failed so it can be replayed.
type DLQEntry struct {
	ID           string    `json:"id"`
	SignalID     string    `json:"signal_id"`
	Error        string    `json:"error"`
	Kind         Kind      `json:"kind"`
	Retryable    bool      `json:"retryable"`
	Stage        string    `json:"stage,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter selects dead-letter entries.
type DLQFilter struct {
	RetryableOnly bool `json:"retryable_only,omitempty"`
	Limit         int  `json:"limit,omitempty"`
}

// CanRetry reports whether the entry is retryable and under its retry cap.
func (e *DLQEntry) CanRetry() bool {
	return e.Retryable && e.RetryCount < e.MaxRetries
}

// NewDLQEntry builds an entry for a failed signal. The first replay is
// scheduled after backoff; non-retryable failures never become due.
func NewDLQEntry(id, signalID, stage string, err error, maxRetries int, backoff time.Duration, now time.Time) DLQEntry {
	ce := Classify(err)
	return DLQEntry{
		ID:           id,
		SignalID:     signalID,
		Error:        err.Error(),
		Kind:         ce.Kind,
		Retryable:    ce.Retryable(),
		Stage:        stage,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(backoff),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}
