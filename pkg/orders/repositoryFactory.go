package orders

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Package vars so tests can swap the connection step.
var (
	sqlOpen = sql.Open

	NewMongoClientFactory = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return mongo.Connect(ctx, options.Client().ApplyURI(uri))
	}
)

// NewRepository opens the durable order tier selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.OrderStoreSettings) (Repository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open order store: %w", err)
		}
		return NewPostgresRepository(db), nil
	case "mongo":
		client, err := NewMongoClientFactory(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("connect order store: %w", err)
		}
		collection := cfg.Collection
		if collection == "" {
			collection = "orders"
		}
		return NewMongoRepository(client, cfg.Database, collection), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported order store type: %s", cfg.Type)
	}
}
