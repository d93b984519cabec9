package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// SpannerSchema is the DDL for the order_queue table.
const SpannerSchema = `CREATE TABLE order_queue (
	id STRING(36) NOT NULL,
	order_data STRING(MAX) NOT NULL,
	auxiliary_user_context STRING(MAX),
	status STRING(16) NOT NULL,
	attempts INT64 NOT NULL,
	max_attempts INT64 NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	next_attempt_at TIMESTAMP,
	error_message STRING(MAX),
	correlation_id STRING(MAX),
	processing_started_at TIMESTAMP,
	completed_at TIMESTAMP
) PRIMARY KEY (id)`

const spannerTable = "order_queue"

type spannerItem struct {
	ID                  string             `spanner:"id"`
	OrderData           string             `spanner:"order_data"`
	UserContext         spanner.NullString `spanner:"auxiliary_user_context"`
	Status              string             `spanner:"status"`
	Attempts            int64              `spanner:"attempts"`
	MaxAttempts         int64              `spanner:"max_attempts"`
	CreatedAt           time.Time          `spanner:"created_at"`
	UpdatedAt           time.Time          `spanner:"updated_at"`
	NextAttemptAt       spanner.NullTime   `spanner:"next_attempt_at"`
	ErrorMessage        spanner.NullString `spanner:"error_message"`
	CorrelationID       spanner.NullString `spanner:"correlation_id"`
	ProcessingStartedAt spanner.NullTime   `spanner:"processing_started_at"`
	CompletedAt         spanner.NullTime   `spanner:"completed_at"`
}

const spannerColumns = `id, order_data, auxiliary_user_context, status, attempts, max_attempts, created_at, updated_at,
       next_attempt_at, error_message, correlation_id, processing_started_at, completed_at`

// SpannerRepository keeps the queue in Cloud Spanner. Read-modify-write
// steps run in read-write transactions; Spanner aborts and re-runs the
// loser of two conflicting claims, so no item is handed out twice.
type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) Enqueue(ctx context.Context, item QueueItem) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "Enqueue")
	defer span.End()

	m, err := spanner.InsertStruct(spannerTable, toSpanner(item))
	if err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *SpannerRepository) ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]QueueItem, error) {
	var claimed []QueueItem
	err := s.readWrite(ctx, "ClaimDue", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		claimed = nil
		items, err := queryItems(ctx, txn, spanner.Statement{
			SQL: `SELECT ` + spannerColumns + ` FROM order_queue
                  WHERE status = @pending AND (next_attempt_at IS NULL OR next_attempt_at <= @now)
                  ORDER BY created_at ASC LIMIT @batchSize`,
			Params: map[string]interface{}{
				"pending":   string(StatusPending),
				"now":       now,
				"batchSize": int64(batchSize),
			},
		})
		if err != nil {
			return err
		}
		for i := range items {
			items[i].claim(now)
		}
		if err := bufferUpdates(txn, items); err != nil {
			return err
		}
		claimed = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SpannerRepository) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	return s.readWrite(ctx, "MarkCompleted", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		item, err := readItem(ctx, txn, id)
		if err != nil {
			return err
		}
		if item.Status != StatusProcessing {
			return ErrNotProcessing
		}
		item.complete(now)
		return bufferUpdates(txn, []QueueItem{item})
	})
}

func (s *SpannerRepository) RecordFailure(ctx context.Context, id, errMsg string, now, nextAttemptAt time.Time, terminal bool) (Status, error) {
	var status Status
	err := s.readWrite(ctx, "RecordFailure", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		item, err := readItem(ctx, txn, id)
		if err != nil {
			return err
		}
		if item.Status != StatusProcessing {
			return ErrNotProcessing
		}
		item.fail(errMsg, now, nextAttemptAt, terminal)
		status = item.Status
		return bufferUpdates(txn, []QueueItem{item})
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *SpannerRepository) ReclaimOrphans(ctx context.Context, olderThan, now, nextAttemptAt time.Time) ([]Reclaimed, error) {
	var out []Reclaimed
	err := s.readWrite(ctx, "ReclaimOrphans", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		out = nil
		items, err := queryItems(ctx, txn, spanner.Statement{
			SQL: `SELECT ` + spannerColumns + ` FROM order_queue
                  WHERE status = @processing AND processing_started_at < @olderThan`,
			Params: map[string]interface{}{
				"processing": string(StatusProcessing),
				"olderThan":  olderThan,
			},
		})
		if err != nil {
			return err
		}
		for i := range items {
			items[i].fail(orphanMessage, now, nextAttemptAt, false)
			out = append(out, Reclaimed{ID: items[i].ID, Status: items[i].Status})
		}
		return bufferUpdates(txn, items)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SpannerRepository) Replay(ctx context.Context, id string, now time.Time) error {
	return s.readWrite(ctx, "Replay", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		item, err := readItem(ctx, txn, id)
		if err != nil {
			return err
		}
		if !item.replayable() {
			return ErrNotReplayable
		}
		item.replay(now)
		return bufferUpdates(txn, []QueueItem{item})
	})
}

func (s *SpannerRepository) Get(ctx context.Context, id string) (QueueItem, error) {
	items, err := queryItems(ctx, s.client.Single(), spanner.Statement{
		SQL:    `SELECT ` + spannerColumns + ` FROM order_queue WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
	if err != nil {
		return QueueItem{}, err
	}
	if len(items) == 0 {
		return QueueItem{}, ErrItemNotFound
	}
	return items[0], nil
}

func (s *SpannerRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT status, COUNT(*) AS n FROM order_queue GROUP BY status`,
	})
	defer iter.Stop()

	counts := make(map[Status]int)
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var status string
		var n int64
		if err := row.Columns(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = int(n)
	}
	return counts, nil
}

func (s *SpannerRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]QueueItem, error) {
	return queryItems(ctx, s.client.Single(), spanner.Statement{
		SQL: `SELECT ` + spannerColumns + ` FROM order_queue WHERE status = @status
              ORDER BY created_at ASC LIMIT @limit`,
		Params: map[string]interface{}{"status": string(status), "limit": int64(limit)},
	})
}

func (s *SpannerRepository) readWrite(ctx context.Context, spanName string, fn func(ctx context.Context, txn *spanner.ReadWriteTransaction) error) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	_, err := s.client.ReadWriteTransaction(ctx, fn)
	if err != nil {
		span.RecordError(err)
		return err
	}
	telemetry.AddDBStatsToSpan(span, "spanner", spanName, 0, time.Since(start))
	return nil
}

type querier interface {
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

func queryItems(ctx context.Context, q querier, stmt spanner.Statement) ([]QueueItem, error) {
	iter := q.Query(ctx, stmt)
	defer iter.Stop()

	var items []QueueItem
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var si spannerItem
		if err := row.ToStruct(&si); err != nil {
			return nil, fmt.Errorf("decode queue row: %w", err)
		}
		items = append(items, fromSpanner(si))
	}
	return items, nil
}

func readItem(ctx context.Context, txn *spanner.ReadWriteTransaction, id string) (QueueItem, error) {
	items, err := queryItems(ctx, txn, spanner.Statement{
		SQL:    `SELECT ` + spannerColumns + ` FROM order_queue WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
	if err != nil {
		return QueueItem{}, err
	}
	if len(items) == 0 {
		return QueueItem{}, ErrItemNotFound
	}
	return items[0], nil
}

func bufferUpdates(txn *spanner.ReadWriteTransaction, items []QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	ms := make([]*spanner.Mutation, 0, len(items))
	for _, it := range items {
		m, err := spanner.UpdateStruct(spannerTable, toSpanner(it))
		if err != nil {
			return err
		}
		ms = append(ms, m)
	}
	return txn.BufferWrite(ms)
}

func toSpanner(i QueueItem) spannerItem {
	si := spannerItem{
		ID:          i.ID,
		OrderData:   string(i.OrderData),
		Status:      string(i.Status),
		Attempts:    int64(i.Attempts),
		MaxAttempts: int64(i.MaxAttempts),
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
	if len(i.UserContext) > 0 {
		si.UserContext = spanner.NullString{StringVal: string(i.UserContext), Valid: true}
	}
	si.NextAttemptAt = nullTime(i.NextAttemptAt)
	si.ProcessingStartedAt = nullTime(i.ProcessingStartedAt)
	si.CompletedAt = nullTime(i.CompletedAt)
	si.ErrorMessage = nullString(i.ErrorMessage)
	si.CorrelationID = nullString(i.CorrelationID)
	return si
}

func fromSpanner(si spannerItem) QueueItem {
	i := QueueItem{
		ID:          si.ID,
		OrderData:   []byte(si.OrderData),
		Status:      Status(si.Status),
		Attempts:    int(si.Attempts),
		MaxAttempts: int(si.MaxAttempts),
		CreatedAt:   si.CreatedAt,
		UpdatedAt:   si.UpdatedAt,
	}
	if si.UserContext.Valid {
		i.UserContext = []byte(si.UserContext.StringVal)
	}
	if si.NextAttemptAt.Valid {
		i.NextAttemptAt = &si.NextAttemptAt.Time
	}
	if si.ProcessingStartedAt.Valid {
		i.ProcessingStartedAt = &si.ProcessingStartedAt.Time
	}
	if si.CompletedAt.Valid {
		i.CompletedAt = &si.CompletedAt.Time
	}
	if si.ErrorMessage.Valid {
		i.ErrorMessage = &si.ErrorMessage.StringVal
	}
	if si.CorrelationID.Valid {
		i.CorrelationID = &si.CorrelationID.StringVal
	}
	return i
}

func nullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) spanner.NullString {
	if s == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *s, Valid: true}
}
