package broker

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message is one publish request. Topic is the routing key on RabbitMQ and
// the topic id on Pub/Sub. Key identifies the message for consumers.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message with its headers and the current trace context.
	Publish(ctx context.Context, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// withTraceHeaders returns a copy of headers carrying the trace context of ctx.
func withTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	maps.Copy(out, headers)
	return out
}

// nopBroker drops every message. It backs broker type "none".
type nopBroker struct{}

func (nopBroker) Publish(context.Context, Message) error { return nil }
func (nopBroker) Close() error                           { return nil }
