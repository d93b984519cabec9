package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// PostgresSchema creates the orders table. The full record lives in document;
// the other columns exist for lookups.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS orders (
	order_number TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL,
	payment_link_id TEXT,
	origin TEXT NOT NULL,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_restaurant_idx ON orders (restaurant_id);
CREATE INDEX IF NOT EXISTS orders_payment_link_idx ON orders (payment_link_id);`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the orders table if it does not exist.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return p.withSpan(ctx, "EnsureOrderSchema", func(ctx context.Context, _ trace.Span) (int, error) {
		_, err := p.db.ExecContext(ctx, PostgresSchema)
		return 0, err
	})
}

func (p *PostgresRepository) Save(ctx context.Context, o *StoredOrder) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.OrderNumber, err)
	}
	return p.withSpan(ctx, "SaveOrder", func(ctx context.Context, _ trace.Span) (int, error) {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO orders (order_number, restaurant_id, payment_link_id, origin, document, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7)
             ON CONFLICT (order_number) DO UPDATE SET restaurant_id = EXCLUDED.restaurant_id,
             payment_link_id = EXCLUDED.payment_link_id, origin = EXCLUDED.origin,
             document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
			o.OrderNumber, o.RestaurantID, nullString(o.PaymentLinkID), string(o.Tag()), doc, o.CreatedAt, o.UpdatedAt)
		return 1, err
	})
}

func (p *PostgresRepository) Get(ctx context.Context, orderNumber string) (*StoredOrder, error) {
	var order *StoredOrder
	err := p.withSpan(ctx, "GetOrder", func(ctx context.Context, _ trace.Span) (int, error) {
		row := p.db.QueryRowContext(ctx, `SELECT document FROM orders WHERE order_number = $1`, orderNumber)
		o, err := scanOrder(row)
		if err != nil {
			return 0, err
		}
		order = o
		return 1, nil
	})
	return order, err
}

func (p *PostgresRepository) Delete(ctx context.Context, orderNumber string) error {
	return p.withSpan(ctx, "DeleteOrder", func(ctx context.Context, _ trace.Span) (int, error) {
		res, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE order_number = $1`, orderNumber)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrOrderNotFound
		}
		return int(n), nil
	})
}

func (p *PostgresRepository) ListByRestaurant(ctx context.Context, restaurantID string) ([]*StoredOrder, error) {
	var out []*StoredOrder
	err := p.withSpan(ctx, "ListOrdersByRestaurant", func(ctx context.Context, _ trace.Span) (int, error) {
		rows, err := p.db.QueryContext(ctx,
			`SELECT document FROM orders WHERE restaurant_id = $1 ORDER BY created_at ASC`, restaurantID)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return 0, err
			}
			out = append(out, o)
		}
		return len(out), rows.Err()
	})
	return out, err
}

func (p *PostgresRepository) FindByPaymentLink(ctx context.Context, linkID string) (*StoredOrder, error) {
	var order *StoredOrder
	err := p.withSpan(ctx, "FindOrderByPaymentLink", func(ctx context.Context, _ trace.Span) (int, error) {
		row := p.db.QueryRowContext(ctx, `SELECT document FROM orders WHERE payment_link_id = $1`, linkID)
		o, err := scanOrder(row)
		if err != nil {
			return 0, err
		}
		order = o
		return 1, nil
	})
	return order, err
}

func (p *PostgresRepository) withSpan(ctx context.Context, spanName string, fn func(ctx context.Context, span trace.Span) (int, error)) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	n, err := fn(ctx, span)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		span.RecordError(err)
		return err
	}
	telemetry.AddDBStatsToSpan(span, "postgresql", spanName, n, time.Since(start))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*StoredOrder, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	var o StoredOrder
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order document: %w", err)
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
