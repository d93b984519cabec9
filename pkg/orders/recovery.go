package orders

import (
	"math"
	"time"
)

const (
	DefaultItemName     = "Custom Order"
	DefaultItemPrice    = 10.00
	DefaultCustomerName = "Customer"
	UnknownRestaurantID = "unknown"
)

// RecoveryContext is whatever is known about an in-flight conversation when
// its order record is missing.
type RecoveryContext struct {
	RestaurantID   string        `json:"restaurantId"`
	RestaurantName string        `json:"restaurantName"`
	CustomerName   string        `json:"customerName"`
	CustomerEmail  string        `json:"customerEmail"`
	CustomerPhone  string        `json:"customerPhone"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	CartItems      []LineItem    `json:"cartItems"`
	CorrelationID  string        `json:"correlationId"`
}

// GetOptions controls what GetOrder does after both tiers miss.
type GetOptions struct {
	AttemptRecovery bool
	CreateIfMissing bool
	Context         *RecoveryContext
}

// usableItems drops cart lines that could never pass validation.
func (c *RecoveryContext) usableItems() []LineItem {
	if c == nil {
		return nil
	}
	var out []LineItem
	for _, it := range c.CartItems {
		if it.Name == "" || it.Quantity <= 0 || it.UnitPrice < 0 ||
			math.IsNaN(it.UnitPrice) || math.IsInf(it.UnitPrice, 0) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (c *RecoveryContext) canRecover() bool {
	return c != nil && c.RestaurantID != "" && len(c.usableItems()) > 0
}

// skeleton builds the identity and contact fields shared by recovered and
// placeholder orders. Money fields are left to ApplyPricing.
func (c *RecoveryContext) skeleton(orderNumber string, now time.Time) *StoredOrder {
	o := &StoredOrder{
		OrderNumber:   orderNumber,
		RestaurantID:  UnknownRestaurantID,
		CustomerName:  DefaultCustomerName,
		PaymentMethod: PaymentWindow,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c == nil {
		return o
	}
	if c.RestaurantID != "" {
		o.RestaurantID = c.RestaurantID
	}
	o.RestaurantName = c.RestaurantName
	if c.CustomerName != "" {
		o.CustomerName = c.CustomerName
	}
	if c.CustomerEmail != "" && validate.Var(c.CustomerEmail, "email") == nil {
		o.CustomerEmail = c.CustomerEmail
	}
	o.CustomerPhone = c.CustomerPhone
	if c.PaymentMethod == PaymentOnline || c.PaymentMethod == PaymentWindow {
		o.PaymentMethod = c.PaymentMethod
	}
	o.CorrelationID = c.CorrelationID
	return o
}

func recoveredOrder(orderNumber string, c *RecoveryContext, now time.Time) *StoredOrder {
	o := c.skeleton(orderNumber, now)
	o.Items = c.usableItems()
	o.Origin = Recovered{RecoveredAt: now, Source: "conversation_context"}
	return o
}

func placeholderOrder(orderNumber string, c *RecoveryContext, now time.Time) *StoredOrder {
	o := c.skeleton(orderNumber, now)
	o.Items = c.usableItems()
	defaults := len(o.Items) == 0
	if defaults {
		o.Items = []LineItem{{Name: DefaultItemName, Quantity: 1, UnitPrice: DefaultItemPrice}}
	}
	o.Origin = Placeholder{SynthesizedAt: now, DefaultItems: defaults}
	return o
}
