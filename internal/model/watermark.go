package model

import "time"

// Watermark is a forward-only progress marker for one (domain, source,
// partitionKey) triple.
type Watermark struct {
	Domain       string    `json:"domain"`
	Source       string    `json:"source"`
	PartitionKey string    `json:"partitionKey"`
	HighWater    string    `json:"highWater"`
	LowWater     string    `json:"lowWater,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Gap describes a partition with no watermark among an expected set.
type Gap struct {
	PartitionKey string `json:"partitionKey"`
	GapStart     string `json:"gapStart,omitempty"`
	GapEnd       string `json:"gapEnd,omitempty"`
}
