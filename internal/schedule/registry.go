// Package schedule implements the delayed-purge pipeline: a pluggable
// registry of pending purge tasks, deduplicated per item, plus the scheduler
// that drains and fires them once their settle interval elapses.
package schedule

import (
	"context"
	"time"
)

// Task is one pending delayed purge: the item whose coarse surfaces get
// re-purged and the instant the task becomes due.
type Task struct {
	Item   string    `json:"item"`
	FireAt time.Time `json:"fireAt"`
}

// Registry stores pending purge tasks keyed by item. At most one task exists
// per item: Add is create-only, so rapid consecutive mutations of the same
// item collapse into the earliest scheduled fire instead of stacking purges.
type Registry interface {
	// Add registers a task unless one is already pending for the item.
	// Reports whether the task was created.
	Add(ctx context.Context, item string, fireAt time.Time) (bool, error)
	// Pending reports whether a task exists for the item.
	Pending(ctx context.Context, item string) (bool, error)
	// Remove claims the pending task for the item. Reports whether an entry
	// existed and was removed, so exactly one caller wins a concurrent claim.
	Remove(ctx context.Context, item string) (bool, error)
	// Due claims and returns every task whose fire instant is at or before
	// now. Claimed tasks are gone from the registry; the caller owns firing
	// them.
	Due(ctx context.Context, now time.Time) ([]Task, error)
	// Len reports how many tasks are pending.
	Len(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}
