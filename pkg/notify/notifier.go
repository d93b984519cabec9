package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/broker"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// Notifier tells the restaurant and the customer that an order is ready.
// It reports success instead of returning an error: a failed notification
// never fails the order.
type Notifier interface {
	Notify(ctx context.Context, o *orders.StoredOrder) bool
}

// ReadyMessage is the body of an order.ready message consumed by the email
// and SMS workers.
type ReadyMessage struct {
	Event          string               `json:"event"`
	OrderNumber    string               `json:"orderNumber"`
	RestaurantID   string               `json:"restaurantId"`
	RestaurantName string               `json:"restaurantName,omitempty"`
	CustomerName   string               `json:"customerName"`
	CustomerEmail  string               `json:"customerEmail,omitempty"`
	CustomerPhone  string               `json:"customerPhone,omitempty"`
	Items          []orders.LineItem    `json:"items"`
	OrderTotal     float64              `json:"orderTotal"`
	PaymentMethod  orders.PaymentMethod `json:"paymentMethod"`
	PaymentStatus  orders.PaymentStatus `json:"paymentStatus"`
	PaymentLinkURL string               `json:"paymentLinkUrl,omitempty"`
	Origin         orders.OriginTag     `json:"origin"`
}

const readyEvent = "order.ready"

func newReadyMessage(o *orders.StoredOrder) ReadyMessage {
	return ReadyMessage{
		Event:          readyEvent,
		OrderNumber:    o.OrderNumber,
		RestaurantID:   o.RestaurantID,
		RestaurantName: o.RestaurantName,
		CustomerName:   o.CustomerName,
		CustomerEmail:  o.CustomerEmail,
		CustomerPhone:  o.CustomerPhone,
		Items:          o.Items,
		OrderTotal:     o.OrderTotal,
		PaymentMethod:  o.PaymentMethod,
		PaymentStatus:  o.PaymentStatus,
		PaymentLinkURL: o.PaymentLinkURL,
		Origin:         o.Tag(),
	}
}

// BrokerNotifier publishes ReadyMessages to a topic.
type BrokerNotifier struct {
	broker   broker.MessageBroker
	topic    string
	timeout  time.Duration
	reporter telemetry.Reporter
}

func NewBrokerNotifier(b broker.MessageBroker, topic string, timeout time.Duration, r telemetry.Reporter) *BrokerNotifier {
	if r == nil {
		r = telemetry.Nop{}
	}
	return &BrokerNotifier{broker: b, topic: topic, timeout: timeout, reporter: r}
}

func (n *BrokerNotifier) Notify(ctx context.Context, o *orders.StoredOrder) bool {
	payload, err := json.Marshal(newReadyMessage(o))
	if err != nil {
		n.failed(ctx, o, err)
		return false
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	msg := broker.Message{
		Topic:   n.topic,
		Key:     o.OrderNumber,
		Payload: payload,
		Headers: map[string]string{"event": readyEvent},
	}
	if o.CorrelationID != "" {
		msg.Headers["correlation_id"] = o.CorrelationID
	}
	if err := n.broker.Publish(ctx, msg); err != nil {
		n.failed(ctx, o, err)
		return false
	}
	return true
}

func (n *BrokerNotifier) failed(ctx context.Context, o *orders.StoredOrder, err error) {
	n.reporter.Report(ctx, telemetry.Event{
		Level:         telemetry.LevelWarn,
		Category:      "notify.failed",
		Message:       err.Error(),
		OrderID:       o.OrderNumber,
		CorrelationID: o.CorrelationID,
		Data:          map[string]any{"topic": n.topic},
	})
}
