package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// mongoOrder is the stored document. Order holds the full record; the top
// level fields are the ones queried on.
type mongoOrder struct {
	ID            string    `bson:"_id"`
	RestaurantID  string    `bson:"restaurant_id"`
	PaymentLinkID string    `bson:"payment_link_id,omitempty"`
	Origin        string    `bson:"origin"`
	Order         bson.M    `bson:"order"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) Save(ctx context.Context, o *StoredOrder) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "SaveOrder")
	defer span.End()
	startTime := time.Now()

	doc, err := toMongo(o)
	if err != nil {
		span.RecordError(err)
		return err
	}
	_, err = m.coll().ReplaceOne(ctx, bson.M{"_id": o.OrderNumber}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		span.RecordError(err)
		return err
	}
	telemetry.AddDBStatsToSpan(span, "mongodb", "SaveOrder", 1, time.Since(startTime))
	return nil
}

func (m *MongoRepository) Get(ctx context.Context, orderNumber string) (*StoredOrder, error) {
	return m.findOne(ctx, "GetOrder", bson.M{"_id": orderNumber})
}

func (m *MongoRepository) FindByPaymentLink(ctx context.Context, linkID string) (*StoredOrder, error) {
	return m.findOne(ctx, "FindOrderByPaymentLink", bson.M{"payment_link_id": linkID})
}

func (m *MongoRepository) Delete(ctx context.Context, orderNumber string) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "DeleteOrder")
	defer span.End()
	startTime := time.Now()

	res, err := m.coll().DeleteOne(ctx, bson.M{"_id": orderNumber})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.DeletedCount == 0 {
		return ErrOrderNotFound
	}
	telemetry.AddDBStatsToSpan(span, "mongodb", "DeleteOrder", int(res.DeletedCount), time.Since(startTime))
	return nil
}

func (m *MongoRepository) ListByRestaurant(ctx context.Context, restaurantID string) ([]*StoredOrder, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "ListOrdersByRestaurant")
	defer span.End()
	startTime := time.Now()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.coll().Find(ctx, bson.M{"restaurant_id": restaurantID}, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*StoredOrder
	for cursor.Next(ctx) {
		var doc mongoOrder
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		o, err := fromMongo(doc)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out = append(out, o)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	telemetry.AddDBStatsToSpan(span, "mongodb", "ListOrdersByRestaurant", len(out), time.Since(startTime))
	return out, nil
}

func (m *MongoRepository) findOne(ctx context.Context, spanName string, filter bson.M) (*StoredOrder, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	var doc mongoOrder
	if err := m.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderNotFound
		}
		span.RecordError(err)
		return nil, err
	}
	o, err := fromMongo(doc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	telemetry.AddDBStatsToSpan(span, "mongodb", spanName, 1, time.Since(startTime))
	return o, nil
}

// toMongo stores the order's JSON form as a native sub-document so the
// persisted shape matches the Postgres document column.
func toMongo(o *StoredOrder) (mongoOrder, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return mongoOrder{}, fmt.Errorf("encode order %s: %w", o.OrderNumber, err)
	}
	var body bson.M
	if err := bson.UnmarshalExtJSON(raw, false, &body); err != nil {
		return mongoOrder{}, fmt.Errorf("convert order %s: %w", o.OrderNumber, err)
	}
	return mongoOrder{
		ID:            o.OrderNumber,
		RestaurantID:  o.RestaurantID,
		PaymentLinkID: o.PaymentLinkID,
		Origin:        string(o.Tag()),
		Order:         body,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}, nil
}

func fromMongo(doc mongoOrder) (*StoredOrder, error) {
	raw, err := bson.MarshalExtJSON(doc.Order, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert order %s: %w", doc.ID, err)
	}
	var o StoredOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", doc.ID, err)
	}
	return &o, nil
}
