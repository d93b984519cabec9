package orders

import (
	"encoding/json"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
)

type PaymentMethod string

const (
	PaymentOnline PaymentMethod = "online"
	PaymentWindow PaymentMethod = "window"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// LineItem is one priced entry of an order.
type LineItem struct {
	Name                string  `json:"name" validate:"required"`
	Quantity            int     `json:"quantity" validate:"gt=0"`
	UnitPrice           float64 `json:"unitPrice" validate:"gte=0,finite"`
	SpecialInstructions string  `json:"specialInstructions,omitempty"`
}

// StoredOrder is the canonical order record kept in the cache and the durable store.
type StoredOrder struct {
	OrderNumber          string        `json:"orderNumber" validate:"required"`
	RestaurantID         string        `json:"restaurantId" validate:"required"`
	RestaurantName       string        `json:"restaurantName"`
	CustomerName         string        `json:"customerName" validate:"required"`
	CustomerEmail        string        `json:"customerEmail,omitempty" validate:"omitempty,email"`
	CustomerPhone        string        `json:"customerPhone,omitempty"`
	Items                []LineItem    `json:"items" validate:"required,min=1,dive"`
	Subtotal             float64       `json:"subtotal" validate:"gte=0,finite"`
	Tax                  float64       `json:"tax" validate:"gte=0,finite"`
	ProcessingFee        float64       `json:"processingFee" validate:"gte=0,finite"`
	OrderTotal           float64       `json:"orderTotal" validate:"gte=0,finite"`
	PaymentMethod        PaymentMethod `json:"paymentMethod" validate:"required,oneof=online window"`
	PaymentStatus        PaymentStatus `json:"paymentStatus" validate:"required,oneof=pending completed failed"`
	PaymentLinkID        string        `json:"paymentLinkId,omitempty"`
	PaymentLinkURL       string        `json:"paymentLinkUrl,omitempty"`
	PaymentLinkCreatedAt *time.Time    `json:"paymentLinkCreatedAt,omitempty"`
	PaymentCompletedAt   *time.Time    `json:"paymentCompletedAt,omitempty"`
	TransactionID        string        `json:"transactionId,omitempty"`
	NotificationSent     bool          `json:"notificationSent"`
	CorrelationID        string        `json:"correlationId,omitempty"`
	Origin               Origin        `json:"-"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Lines adapts the order's items for the price calculator.
func (o *StoredOrder) Lines() []pricing.Line {
	lines := make([]pricing.Line, len(o.Items))
	for i, it := range o.Items {
		lines[i] = pricing.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	return lines
}

// Tag returns the origin tag, treating a missing origin as normal.
func (o *StoredOrder) Tag() OriginTag {
	if o.Origin == nil {
		return TagNormal
	}
	return o.Origin.Tag()
}

// Clone returns a deep copy that shares no slices or pointers with o.
func (o *StoredOrder) Clone() *StoredOrder {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.PaymentLinkCreatedAt = cloneTime(o.PaymentLinkCreatedAt)
	c.PaymentCompletedAt = cloneTime(o.PaymentCompletedAt)
	return &c
}

// ApplyPricing recomputes every money field of o from its items. All order
// origins go through this one function.
func ApplyPricing(calc pricing.Calculator, o *StoredOrder) pricing.Breakdown {
	b := calc.Price(o.Lines())
	o.Subtotal = b.Subtotal
	o.Tax = b.Tax
	o.ProcessingFee = b.ProcessingFee
	o.OrderTotal = calc.OrderTotal(b)
	return b
}

func (o StoredOrder) MarshalJSON() ([]byte, error) {
	type alias StoredOrder
	return json.Marshal(struct {
		alias
		Origin originJSON `json:"origin"`
	}{alias: alias(o), Origin: encodeOrigin(o.Origin)})
}

func (o *StoredOrder) UnmarshalJSON(b []byte) error {
	type alias StoredOrder
	aux := struct {
		*alias
		Origin originJSON `json:"origin"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	o.Origin = aux.Origin.decode()
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
