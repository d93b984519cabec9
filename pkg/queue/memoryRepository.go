package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a process-local queue. Claims are serialized by a
// mutex, so it is only safe for a single processor process.
type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]*QueueItem
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*QueueItem)}
}

func (m *MemoryRepository) Enqueue(_ context.Context, item QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("queue item %s already exists", item.ID)
	}
	c := item.clone()
	m.items[item.ID] = &c
	return nil
}

func (m *MemoryRepository) ClaimDue(_ context.Context, now time.Time, batchSize int) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*QueueItem
	for _, it := range m.items {
		if it.Due(now) {
			due = append(due, it)
		}
	}
	sortByCreated(due)
	if batchSize > 0 && len(due) > batchSize {
		due = due[:batchSize]
	}

	claimed := make([]QueueItem, 0, len(due))
	for _, it := range due {
		it.claim(now)
		claimed = append(claimed, it.clone())
	}
	return claimed, nil
}

func (m *MemoryRepository) MarkCompleted(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.processing(id)
	if err != nil {
		return err
	}
	it.complete(now)
	return nil
}

func (m *MemoryRepository) RecordFailure(_ context.Context, id, errMsg string, now, nextAttemptAt time.Time, terminal bool) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.processing(id)
	if err != nil {
		return "", err
	}
	it.fail(errMsg, now, nextAttemptAt, terminal)
	return it.Status, nil
}

func (m *MemoryRepository) ReclaimOrphans(_ context.Context, olderThan, now, nextAttemptAt time.Time) ([]Reclaimed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reclaimed
	for _, it := range m.items {
		if it.Status != StatusProcessing || it.ProcessingStartedAt == nil || !it.ProcessingStartedAt.Before(olderThan) {
			continue
		}
		it.fail(orphanMessage, now, nextAttemptAt, false)
		out = append(out, Reclaimed{ID: it.ID, Status: it.Status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) Replay(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if !it.replayable() {
		return ErrNotReplayable
	}
	it.replay(now)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return QueueItem{}, ErrItemNotFound
	}
	return it.clone(), nil
}

func (m *MemoryRepository) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, it := range m.items {
		counts[it.Status]++
	}
	return counts, nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status Status, limit int) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*QueueItem
	for _, it := range m.items {
		if it.Status == status {
			matched = append(matched, it)
		}
	}
	sortByCreated(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]QueueItem, 0, len(matched))
	for _, it := range matched {
		out = append(out, it.clone())
	}
	return out, nil
}

// processing must be called with m.mu held.
func (m *MemoryRepository) processing(id string) (*QueueItem, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	if it.Status != StatusProcessing {
		return nil, ErrNotProcessing
	}
	return it, nil
}

func sortByCreated(items []*QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
