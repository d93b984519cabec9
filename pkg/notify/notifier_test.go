package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/broker"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(ctx context.Context, msg broker.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockBroker) Close() error {
	return m.Called().Error(0)
}

func readyOrder() *orders.StoredOrder {
	return &orders.StoredOrder{
		OrderNumber:    "ORD-7",
		RestaurantID:   "r-1",
		RestaurantName: "Taqueria Uno",
		CustomerName:   "Ana",
		Items:          []orders.LineItem{{Name: "Taco", Quantity: 3, UnitPrice: 3.5}},
		OrderTotal:     12.11,
		PaymentMethod:  orders.PaymentWindow,
		PaymentStatus:  orders.PaymentPending,
		CorrelationID:  "c-7",
		Origin:         orders.Normal{},
	}
}

func TestNotify_PublishesReadyMessage(t *testing.T) {
	b := new(mockBroker)
	var sent broker.Message
	b.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(broker.Message)
		_, hasDeadline := args.Get(0).(context.Context).Deadline()
		assert.True(t, hasDeadline, "publish is bounded by the timeout")
	}).Return(nil)

	n := NewBrokerNotifier(b, "order-notifications", time.Second, nil)
	require.True(t, n.Notify(context.Background(), readyOrder()))

	assert.Equal(t, "order-notifications", sent.Topic)
	assert.Equal(t, "ORD-7", sent.Key)
	assert.Equal(t, "c-7", sent.Headers["correlation_id"])

	var body ReadyMessage
	require.NoError(t, json.Unmarshal(sent.Payload, &body))
	assert.Equal(t, "order.ready", body.Event)
	assert.Equal(t, "ORD-7", body.OrderNumber)
	assert.Equal(t, orders.TagNormal, body.Origin)
	assert.Equal(t, 12.11, body.OrderTotal)
}

func TestNotify_FailureIsReportedNotReturned(t *testing.T) {
	b := new(mockBroker)
	b.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	rec := &telemetry.Recorder{}

	n := NewBrokerNotifier(b, "order-notifications", time.Second, rec)
	assert.False(t, n.Notify(context.Background(), readyOrder()))

	require.Equal(t, 1, rec.Count("notify.failed"))
	ev := rec.Events()[0]
	assert.Equal(t, "ORD-7", ev.OrderID)
	assert.Equal(t, "broker down", ev.Message)
}
