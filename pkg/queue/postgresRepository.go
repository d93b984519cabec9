package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// PostgresSchema creates the order_queue table.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS order_queue (
	id TEXT PRIMARY KEY,
	order_data JSONB NOT NULL,
	auxiliary_user_context JSONB,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	next_attempt_at TIMESTAMPTZ,
	error_message TEXT,
	correlation_id TEXT,
	processing_started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS order_queue_due_idx ON order_queue (status, next_attempt_at, created_at);`

const itemColumns = `id, order_data, auxiliary_user_context, status, attempts, max_attempts, created_at, updated_at,
       next_attempt_at, error_message, correlation_id, processing_started_at, completed_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return p.withTransaction(ctx, "EnsureQueueSchema", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, PostgresSchema)
		return 0, err
	})
}

func (p *PostgresRepository) Enqueue(ctx context.Context, item QueueItem) error {
	return p.withTransaction(ctx, "Enqueue", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_queue (id, order_data, auxiliary_user_context, status, attempts, max_attempts,
             created_at, updated_at, next_attempt_at, correlation_id)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID, []byte(item.OrderData), nullJSON(item.UserContext), item.Status, item.Attempts, item.MaxAttempts,
			item.CreatedAt, item.UpdatedAt, item.NextAttemptAt, item.CorrelationID)
		return 1, err
	})
}

// ClaimDue locks due rows with FOR UPDATE SKIP LOCKED so concurrent
// processors claim disjoint batches, then flips them to processing in the
// same transaction.
func (p *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]QueueItem, error) {
	var items []QueueItem
	err := p.withTransaction(ctx, "ClaimDue", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM order_queue
             WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
             ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED`, now, batchSize)
		if err != nil {
			return 0, err
		}
		items, err = scanItems(rows)
		if err != nil {
			return 0, err
		}
		if len(items) == 0 {
			return 0, nil
		}

		ids := make([]string, len(items))
		for i := range items {
			ids[i] = items[i].ID
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE order_queue SET status = 'processing', processing_started_at = $1, updated_at = $1
             WHERE id = ANY($2)`, now, pq.Array(ids)); err != nil {
			return 0, err
		}
		for i := range items {
			items[i].claim(now)
		}
		return len(items), nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (p *PostgresRepository) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	return p.withTransaction(ctx, "MarkCompleted", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE order_queue SET status = 'completed', completed_at = $2, updated_at = $2, next_attempt_at = NULL
             WHERE id = $1 AND status = 'processing'`, id, now)
		if err != nil {
			return 0, err
		}
		return affectedOne(res)
	})
}

func (p *PostgresRepository) RecordFailure(ctx context.Context, id, errMsg string, now, nextAttemptAt time.Time, terminal bool) (Status, error) {
	var status Status
	err := p.withTransaction(ctx, "RecordFailure", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`UPDATE order_queue SET attempts = attempts + 1,
             status = CASE WHEN $4::boolean OR attempts + 1 >= max_attempts THEN 'dead_letter' ELSE 'pending' END,
             next_attempt_at = CASE WHEN $4::boolean OR attempts + 1 >= max_attempts THEN NULL ELSE $3::timestamptz END,
             error_message = $2, updated_at = $5
             WHERE id = $1 AND status = 'processing'
             RETURNING status`, id, errMsg, nextAttemptAt, terminal, now).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotProcessing
		}
		return 1, err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (p *PostgresRepository) ReclaimOrphans(ctx context.Context, olderThan, now, nextAttemptAt time.Time) ([]Reclaimed, error) {
	var out []Reclaimed
	err := p.withTransaction(ctx, "ReclaimOrphans", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`UPDATE order_queue SET attempts = attempts + 1,
             status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead_letter' ELSE 'pending' END,
             next_attempt_at = CASE WHEN attempts + 1 >= max_attempts THEN NULL ELSE $3::timestamptz END,
             error_message = $4, updated_at = $2
             WHERE status = 'processing' AND processing_started_at < $1
             RETURNING id, status`, olderThan, now, nextAttemptAt, orphanMessage)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var r Reclaimed
			if err := rows.Scan(&r.ID, &r.Status); err != nil {
				return 0, err
			}
			out = append(out, r)
		}
		return len(out), rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresRepository) Replay(ctx context.Context, id string, now time.Time) error {
	return p.withTransaction(ctx, "Replay", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE order_queue SET status = 'pending', attempts = 0, error_message = NULL, completed_at = NULL,
             next_attempt_at = $2, updated_at = $2
             WHERE id = $1 AND status IN ('dead_letter', 'failed')`, id, now)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			var status Status
			err := tx.QueryRowContext(ctx, `SELECT status FROM order_queue WHERE id = $1`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrItemNotFound
			}
			if err != nil {
				return 0, err
			}
			return 0, ErrNotReplayable
		}
		return int(n), nil
	})
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (QueueItem, error) {
	var item QueueItem
	err := p.withTransaction(ctx, "GetQueueItem", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM order_queue WHERE id = $1`, id)
		if err != nil {
			return 0, err
		}
		items, err := scanItems(rows)
		if err != nil {
			return 0, err
		}
		if len(items) == 0 {
			return 0, ErrItemNotFound
		}
		item = items[0]
		return 1, nil
	})
	return item, err
}

func (p *PostgresRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	err := p.withTransaction(ctx, "CountByStatus", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM order_queue GROUP BY status`)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var status Status
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return 0, err
			}
			counts[status] = n
		}
		return len(counts), rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (p *PostgresRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]QueueItem, error) {
	var items []QueueItem
	err := p.withTransaction(ctx, "ListByStatus", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM order_queue WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, status, limit)
		if err != nil {
			return 0, err
		}
		items, err = scanItems(rows)
		return len(items), err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// withTransaction runs fn in its own transaction inside a span, committing on
// success and rolling back on error.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	n, err := fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	telemetry.AddDBStatsToSpan(span, "postgresql", spanName, n, time.Since(start))
	return nil
}

func scanItems(rows *sql.Rows) ([]QueueItem, error) {
	defer rows.Close()
	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var orderData, userContext []byte
		var nextAttempt, processingStarted, completed sql.NullTime
		var errorMessage, correlationID sql.NullString
		if err := rows.Scan(&item.ID, &orderData, &userContext, &item.Status, &item.Attempts, &item.MaxAttempts,
			&item.CreatedAt, &item.UpdatedAt, &nextAttempt, &errorMessage, &correlationID,
			&processingStarted, &completed); err != nil {
			return nil, err
		}
		item.OrderData = orderData
		item.UserContext = userContext
		item.NextAttemptAt = timePtr(nextAttempt)
		item.ProcessingStartedAt = timePtr(processingStarted)
		item.CompletedAt = timePtr(completed)
		item.ErrorMessage = stringPtr(errorMessage)
		item.CorrelationID = stringPtr(correlationID)
		items = append(items, item)
	}
	return items, rows.Err()
}

func affectedOne(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotProcessing
	}
	return int(n), nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
