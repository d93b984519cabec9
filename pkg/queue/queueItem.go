package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	// StatusFailed is never written by the processor. Operators may park rows
	// in it; Replay accepts it like dead_letter.
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter}

// ParseStatus returns the Status named s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// DefaultMaxAttempts is used when an item is enqueued without a limit.
const DefaultMaxAttempts = 3

const orphanMessage = "processing timed out"

var (
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotProcessing is returned when a completion or failure is recorded
	// for an item that is no longer claimed.
	ErrNotProcessing = errors.New("queue item is not processing")
	// ErrNotReplayable is returned by Replay for items that are not parked.
	ErrNotReplayable = errors.New("queue item is not dead_letter or failed")
)

// QueueItem is one persisted unit of work: a raw order payload plus its
// delivery state.
type QueueItem struct {
	ID                  string          `json:"id"`
	OrderData           json.RawMessage `json:"order_data"`
	UserContext         json.RawMessage `json:"auxiliary_user_context,omitempty"`
	Status              Status          `json:"status"`
	Attempts            int             `json:"attempts"`
	MaxAttempts         int             `json:"max_attempts"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	NextAttemptAt       *time.Time      `json:"next_attempt_at,omitempty"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	CorrelationID       *string         `json:"correlation_id,omitempty"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// NewItem builds a pending item that is due immediately.
func NewItem(orderData, userContext json.RawMessage, correlationID string, maxAttempts int, now time.Time) QueueItem {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	item := QueueItem{
		ID:            uuid.NewString(),
		OrderData:     orderData,
		UserContext:   userContext,
		Status:        StatusPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: &now,
	}
	if correlationID != "" {
		item.CorrelationID = &correlationID
	}
	return item
}

// Terminal reports whether the processor will never touch the item again.
func (i QueueItem) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusDeadLetter
}

// Correlation returns the correlation id or "".
func (i QueueItem) Correlation() string {
	if i.CorrelationID == nil {
		return ""
	}
	return *i.CorrelationID
}

// Due reports whether a pending item may be claimed at now.
func (i QueueItem) Due(now time.Time) bool {
	return i.Status == StatusPending && (i.NextAttemptAt == nil || !i.NextAttemptAt.After(now))
}

// The transitions below are applied in Go by the memory and Spanner
// repositories; the Postgres repository expresses the same rules in SQL.

func (i *QueueItem) claim(now time.Time) {
	i.Status = StatusProcessing
	i.ProcessingStartedAt = &now
	i.UpdatedAt = now
}

func (i *QueueItem) complete(now time.Time) {
	i.Status = StatusCompleted
	i.CompletedAt = &now
	i.NextAttemptAt = nil
	i.UpdatedAt = now
}

// fail counts a failed attempt. The item is dead-lettered when terminal is
// set or the attempt exhausts MaxAttempts; otherwise it is rescheduled.
func (i *QueueItem) fail(msg string, now, nextAttemptAt time.Time, terminal bool) {
	i.Attempts++
	i.ErrorMessage = &msg
	i.UpdatedAt = now
	if terminal || i.Attempts >= i.MaxAttempts {
		i.Status = StatusDeadLetter
		i.NextAttemptAt = nil
		return
	}
	i.Status = StatusPending
	i.NextAttemptAt = &nextAttemptAt
}

func (i *QueueItem) replay(now time.Time) {
	i.Status = StatusPending
	i.Attempts = 0
	i.ErrorMessage = nil
	i.CompletedAt = nil
	i.NextAttemptAt = &now
	i.UpdatedAt = now
}

func (i QueueItem) replayable() bool {
	return i.Status == StatusDeadLetter || i.Status == StatusFailed
}

func (i QueueItem) clone() QueueItem {
	c := i
	c.OrderData = append(json.RawMessage(nil), i.OrderData...)
	if i.UserContext != nil {
		c.UserContext = append(json.RawMessage(nil), i.UserContext...)
	}
	c.NextAttemptAt = cloneTime(i.NextAttemptAt)
	c.ProcessingStartedAt = cloneTime(i.ProcessingStartedAt)
	c.CompletedAt = cloneTime(i.CompletedAt)
	c.ErrorMessage = cloneString(i.ErrorMessage)
	c.CorrelationID = cloneString(i.CorrelationID)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
