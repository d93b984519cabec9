package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/queue"
)

// orderPayload is the order_data column as written by the ingestion side.
type orderPayload struct {
	OrderNumber    string               `json:"orderNumber"`
	RestaurantID   string               `json:"restaurantId"`
	RestaurantName string               `json:"restaurantName"`
	CustomerName   string               `json:"customerName"`
	CustomerEmail  string               `json:"customerEmail"`
	CustomerPhone  string               `json:"customerPhone"`
	PaymentMethod  orders.PaymentMethod `json:"paymentMethod"`
	Items          []payloadItem        `json:"items"`
}

// payloadItem accepts both the short (qty, price) and the long (quantity,
// unitPrice) field names.
type payloadItem struct {
	Name                string   `json:"name"`
	Quantity            *int     `json:"quantity"`
	Qty                 *int     `json:"qty"`
	UnitPrice           *float64 `json:"unitPrice"`
	Price               *float64 `json:"price"`
	SpecialInstructions string   `json:"specialInstructions"`
}

func (p payloadItem) lineItem() orders.LineItem {
	li := orders.LineItem{Name: p.Name, SpecialInstructions: p.SpecialInstructions}
	switch {
	case p.Quantity != nil:
		li.Quantity = *p.Quantity
	case p.Qty != nil:
		li.Quantity = *p.Qty
	}
	switch {
	case p.UnitPrice != nil:
		li.UnitPrice = *p.UnitPrice
	case p.Price != nil:
		li.UnitPrice = *p.Price
	}
	return li
}

// userContext is the optional auxiliary_user_context column.
type userContext struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	CustomerPhone string `json:"customerPhone"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
}

// malformedError marks a payload that no retry can fix.
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "malformed order payload: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// OrderNumberFor returns the order number an item produces: the payload's
// orderNumber when present, otherwise one derived from the item id. Retries
// of an item therefore always address the same order.
func OrderNumberFor(item queue.QueueItem) string {
	var p struct {
		OrderNumber string `json:"orderNumber"`
	}
	if err := json.Unmarshal(item.OrderData, &p); err == nil && p.OrderNumber != "" {
		return p.OrderNumber
	}
	return derivedOrderNumber(item.ID)
}

func derivedOrderNumber(itemID string) string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(itemID, "-", ""))
}

// decodeOrder builds an unpriced order from an item's payload and user context.
func decodeOrder(item queue.QueueItem) (*orders.StoredOrder, error) {
	var p orderPayload
	if len(item.OrderData) == 0 {
		return nil, &malformedError{err: fmt.Errorf("empty order_data")}
	}
	if err := json.Unmarshal(item.OrderData, &p); err != nil {
		return nil, &malformedError{err: err}
	}

	var uc userContext
	if len(item.UserContext) > 0 && string(item.UserContext) != "null" {
		if err := json.Unmarshal(item.UserContext, &uc); err != nil {
			return nil, &malformedError{err: fmt.Errorf("auxiliary_user_context: %w", err)}
		}
	}

	o := &orders.StoredOrder{
		OrderNumber:    p.OrderNumber,
		RestaurantID:   p.RestaurantID,
		RestaurantName: p.RestaurantName,
		CustomerName:   firstNonEmpty(p.CustomerName, uc.CustomerName, uc.Name, orders.DefaultCustomerName),
		CustomerEmail:  firstNonEmpty(p.CustomerEmail, uc.CustomerEmail, uc.Email),
		CustomerPhone:  firstNonEmpty(p.CustomerPhone, uc.CustomerPhone, uc.Phone),
		PaymentMethod:  p.PaymentMethod,
		PaymentStatus:  orders.PaymentPending,
		CorrelationID:  item.Correlation(),
		Origin:         orders.Normal{},
	}
	if o.OrderNumber == "" {
		o.OrderNumber = derivedOrderNumber(item.ID)
	}
	if o.PaymentMethod == "" {
		o.PaymentMethod = orders.PaymentWindow
	}
	for _, it := range p.Items {
		o.Items = append(o.Items, it.lineItem())
	}
	return o, nil
}

// carryOver keeps the fields earlier attempts already settled on the order.
func carryOver(dst, prev *orders.StoredOrder) {
	dst.CreatedAt = prev.CreatedAt
	dst.PaymentStatus = prev.PaymentStatus
	dst.PaymentLinkID = prev.PaymentLinkID
	dst.PaymentLinkURL = prev.PaymentLinkURL
	dst.PaymentLinkCreatedAt = prev.PaymentLinkCreatedAt
	dst.PaymentCompletedAt = prev.PaymentCompletedAt
	dst.TransactionID = prev.TransactionID
	dst.NotificationSent = prev.NotificationSent
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
