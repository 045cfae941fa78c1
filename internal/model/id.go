// Package model holds the data shapes shared across every execution-core
// component: work specs, run records, events, schedules, locks, dead
// letters, watermarks, and backfill plans.
package model

import "github.com/google/uuid"

// ID is the opaque, globally unique, time-sortable identifier used for every
// entity in the core. It is backed by a UUIDv7 so that lexicographic order
// matches creation order, falling back to UUIDv4 if the v7 generator fails
// (it practically never does — NewV7 only errors on a broken entropy source).
type ID = uuid.UUID

// NewID returns a new time-sortable identifier.
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// ParseID parses a string-form identifier.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}
