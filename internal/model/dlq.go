package model

import "time"

// DeadLetter captures a terminal failure that has exhausted its retry
// budget, for inspection and controlled replay (spec.md §4.8).
type DeadLetter struct {
	ID           ID             `json:"id"`
	RunID        ID             `json:"runId"`
	WorkflowName string         `json:"workflowName"`
	Params       map[string]any `json:"params,omitempty"`
	Error        string         `json:"error"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastRetryAt  *time.Time     `json:"lastRetryAt,omitempty"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy   string         `json:"resolvedBy,omitempty"`
}

// CanRetry reports whether the dead letter is still eligible for replay.
func (d DeadLetter) CanRetry() bool {
	return d.ResolvedAt == nil && d.RetryCount < d.MaxRetries
}
