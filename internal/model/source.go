package model

import "time"

// Source is an upstream collaborator the core fetches data from. The core
// never implements domain-specific parsing of what comes back — it only
// tracks that a fetch happened, what it cost, and whether the content
// changed (spec.md §3, "Source / SourceFetch").
type Source struct {
	ID      ID             `json:"id"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Domain  string         `json:"domain"`
	Enabled bool           `json:"enabled"`
}

// FetchStatus is the outcome of one Source fetch attempt.
type FetchStatus string

const (
	FetchSuccess   FetchStatus = "SUCCESS"
	FetchFailed    FetchStatus = "FAILED"
	FetchNotFound  FetchStatus = "NOT_FOUND"
	FetchUnchanged FetchStatus = "UNCHANGED"
)

// SourceFetch records a single cursor-resumable fetch attempt against a
// Source. ContentHash lets the fetch layer skip re-processing unchanged
// upstream payloads (idempotent skip).
type SourceFetch struct {
	ID           ID            `json:"id"`
	SourceID     ID            `json:"sourceId"`
	Status       FetchStatus   `json:"status"`
	RecordCount  *int          `json:"recordCount,omitempty"`
	ByteCount    *int64        `json:"byteCount,omitempty"`
	ContentHash  string        `json:"contentHash,omitempty"`
	ETag         string        `json:"etag,omitempty"`
	LastModified string        `json:"lastModified,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	RetryCount   int           `json:"retryCount"`
	CaptureID    *ID           `json:"captureId,omitempty"`
}
