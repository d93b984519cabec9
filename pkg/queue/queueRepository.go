package queue

import (
	"context"
	"time"
)

// Reclaimed is the outcome of sweeping one orphaned item.
type Reclaimed struct {
	ID     string
	Status Status
}

// Repository defines the durable operations of the order queue.
type Repository interface {
	// Enqueue inserts a new pending item.
	Enqueue(ctx context.Context, item QueueItem) error
	// ClaimDue moves up to batchSize due pending items, oldest first, to
	// processing. Concurrent callers never receive the same item.
	ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]QueueItem, error)
	// MarkCompleted finishes a processing item.
	MarkCompleted(ctx context.Context, id string, now time.Time) error
	// RecordFailure counts a failed attempt on a processing item and returns
	// the status it moved to: pending (rescheduled at nextAttemptAt) or
	// dead_letter.
	RecordFailure(ctx context.Context, id, errMsg string, now, nextAttemptAt time.Time, terminal bool) (Status, error)
	// ReclaimOrphans fails every item stuck in processing since before
	// olderThan, as RecordFailure would.
	ReclaimOrphans(ctx context.Context, olderThan, now, nextAttemptAt time.Time) ([]Reclaimed, error)
	// Replay resets a dead_letter or failed item to pending with no attempts.
	Replay(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (QueueItem, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]QueueItem, error)
}
