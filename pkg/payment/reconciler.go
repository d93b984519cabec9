package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/metrics"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

var (
	ErrUnknownPaymentLink = errors.New("no order for payment event")
	ErrUnhandledStatus    = errors.New("payment status does not change the order")
)

// AmountError rejects an order total before it reaches the provider.
type AmountError struct {
	Amount float64
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid payment amount %v: %s", e.Amount, e.Reason)
}

// Event is an inbound provider notification about a link or a transaction.
type Event struct {
	PaymentLinkID string `json:"paymentLinkId"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status" binding:"required"`
}

var statusMap = map[string]orders.PaymentStatus{
	"paid":      orders.PaymentCompleted,
	"succeeded": orders.PaymentCompleted,
	"completed": orders.PaymentCompleted,
	"complete":  orders.PaymentCompleted,
	"failed":    orders.PaymentFailed,
	"canceled":  orders.PaymentFailed,
	"cancelled": orders.PaymentFailed,
	"expired":   orders.PaymentFailed,
}

// MapStatus translates a provider status. ok is false for statuses that do
// not settle a payment.
func MapStatus(s string) (orders.PaymentStatus, bool) {
	st, ok := statusMap[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// Reconciler creates payment links for orders and applies provider events
// to their payment status.
type Reconciler struct {
	store    *orders.Store
	provider Provider
	exec     *retry.Executor
	policy   retry.Policy
	settings config.PaymentSettings
	reporter telemetry.Reporter
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	sync.Mutex
	refs int
}

func NewReconciler(store *orders.Store, provider Provider, exec *retry.Executor, policy retry.Policy, cfg *config.PaymentSettings, r telemetry.Reporter) *Reconciler {
	if r == nil {
		r = telemetry.Nop{}
	}
	if exec == nil {
		exec = retry.NewExecutor(r)
	}
	return &Reconciler{
		store:    store,
		provider: provider,
		exec:     exec,
		policy:   policy,
		settings: *cfg,
		reporter: r,
		now:      time.Now,
		locks:    make(map[string]*orderLock),
	}
}

// GenerateLink returns the order's payment link, minting one when the order
// has none or its link is no longer active. Concurrent calls for one order
// mint at most one link.
func (r *Reconciler) GenerateLink(ctx context.Context, orderNumber string) (Link, error) {
	unlock := r.lock(orderNumber)
	defer unlock()

	o, err := r.store.GetOrder(ctx, orderNumber, orders.GetOptions{})
	if err != nil {
		return Link{}, err
	}
	if r.active(o) {
		metrics.RecordPaymentLink("reused")
		return Link{ID: o.PaymentLinkID, URL: o.PaymentLinkURL}, nil
	}

	amount, err := r.validateAmount(o.OrderTotal)
	if err != nil {
		metrics.RecordPaymentLink("rejected")
		r.reporter.Report(ctx, telemetry.Event{
			Level:         telemetry.LevelError,
			Category:      "payment.amount_rejected",
			Message:       err.Error(),
			OrderID:       o.OrderNumber,
			CorrelationID: o.CorrelationID,
		})
		return Link{}, err
	}

	req := LinkRequest{
		IdempotencyKey: mintKey(o, amount),
		AmountCents:    amount,
		Currency:       r.settings.Currency,
		Metadata: map[string]string{
			"order_number":   o.OrderNumber,
			"restaurant_id":  o.RestaurantID,
			"correlation_id": o.CorrelationID,
		},
	}
	var link Link
	err = r.exec.Do(ctx, "payment.create_link", r.policy, func(ctx context.Context) error {
		if r.settings.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.settings.CallTimeout)
			defer cancel()
		}
		l, err := r.provider.CreatePaymentLink(ctx, req)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return retry.Permanent(err)
		}
		link = l
		return err
	})
	if err != nil {
		metrics.RecordPaymentLink("failed")
		return Link{}, fmt.Errorf("create payment link for %s: %w", orderNumber, err)
	}

	createdAt := r.now()
	_, err = r.store.UpdateOrder(ctx, orderNumber, func(o *orders.StoredOrder) error {
		o.PaymentLinkID = link.ID
		o.PaymentLinkURL = link.URL
		o.PaymentLinkCreatedAt = &createdAt
		if o.PaymentStatus == orders.PaymentFailed {
			o.PaymentStatus = orders.PaymentPending
		}
		return nil
	})
	if err != nil {
		return Link{}, fmt.Errorf("store payment link for %s: %w", orderNumber, err)
	}

	metrics.RecordPaymentLink("created")
	r.reporter.Report(ctx, telemetry.Event{
		Level:         telemetry.LevelInfo,
		Category:      "payment.link_created",
		Message:       "payment link created",
		OrderID:       orderNumber,
		CorrelationID: o.CorrelationID,
		Data:          map[string]any{"paymentLinkId": link.ID, "amountCents": amount},
	})
	return link, nil
}

// HandleEvent applies a provider event. Completed is terminal; a failed
// payment may still complete later through the same link. Events for a link
// the order no longer carries are reported and ignored.
func (r *Reconciler) HandleEvent(ctx context.Context, e Event) (*orders.StoredOrder, error) {
	next, ok := MapStatus(e.Status)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledStatus, e.Status)
	}

	o, err := r.resolve(ctx, e)
	if err != nil {
		return nil, err
	}

	unlock := r.lock(o.OrderNumber)
	defer unlock()

	prev := o.PaymentStatus
	stale := false
	updated, err := r.store.UpdateOrder(ctx, o.OrderNumber, func(o *orders.StoredOrder) error {
		prev = o.PaymentStatus
		stale = e.PaymentLinkID != "" && o.PaymentLinkID != "" && e.PaymentLinkID != o.PaymentLinkID
		if stale || prev == orders.PaymentCompleted || prev == next {
			return nil
		}
		o.PaymentStatus = next
		if e.TransactionID != "" {
			o.TransactionID = e.TransactionID
		}
		if next == orders.PaymentCompleted {
			at := r.now()
			o.PaymentCompletedAt = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := telemetry.Event{
		Level:         telemetry.LevelInfo,
		Category:      "payment." + string(next),
		Message:       fmt.Sprintf("payment %s -> %s", prev, next),
		OrderID:       updated.OrderNumber,
		CorrelationID: updated.CorrelationID,
		Data:          map[string]any{"paymentLinkId": e.PaymentLinkID, "transactionId": e.TransactionID, "providerStatus": e.Status},
	}
	switch {
	case stale:
		ev.Level = telemetry.LevelWarn
		ev.Category = "payment.stale_link"
		ev.Message = fmt.Sprintf("ignoring %s for superseded link %s", e.Status, e.PaymentLinkID)
		ev.Data["currentPaymentLinkId"] = updated.PaymentLinkID
	case prev == orders.PaymentCompleted && next != orders.PaymentCompleted:
		ev.Level = telemetry.LevelWarn
		ev.Category = "payment.transition_ignored"
		ev.Message = fmt.Sprintf("payment already completed, ignoring %s", e.Status)
	case prev == next:
		ev.Level = telemetry.LevelDebug
		ev.Category = "payment.duplicate_event"
	}
	r.reporter.Report(ctx, ev)
	return updated, nil
}

func (r *Reconciler) resolve(ctx context.Context, e Event) (*orders.StoredOrder, error) {
	if e.PaymentLinkID != "" {
		o, err := r.store.FindByPaymentLink(ctx, e.PaymentLinkID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return nil, err
		}
	}
	if e.TransactionID != "" {
		if o, err := r.store.FindByTransaction(ctx, e.TransactionID); err == nil {
			return o, nil
		}
	}
	return nil, ErrUnknownPaymentLink
}

// mintKey is stable across retries of one mint and changes once the order's
// link is replaced, so the provider does not replay a superseded link.
func mintKey(o *orders.StoredOrder, amountCents int64) string {
	key := fmt.Sprintf("%s-%d", o.OrderNumber, amountCents)
	if o.PaymentLinkID != "" {
		key += "-" + o.PaymentLinkID
	}
	return key
}

// active reports whether o already has a link worth handing out again.
func (r *Reconciler) active(o *orders.StoredOrder) bool {
	if o.PaymentLinkID == "" || o.PaymentLinkURL == "" {
		return false
	}
	switch o.PaymentStatus {
	case orders.PaymentCompleted:
		return true
	case orders.PaymentFailed:
		return false
	}
	if o.PaymentLinkCreatedAt == nil {
		return false
	}
	return r.now().Sub(*o.PaymentLinkCreatedAt) < r.settings.LinkTTL
}

func (r *Reconciler) validateAmount(total float64) (int64, error) {
	switch {
	case math.IsNaN(total) || math.IsInf(total, 0):
		return 0, &AmountError{Amount: total, Reason: "not a finite number"}
	case total <= 0:
		return 0, &AmountError{Amount: total, Reason: "must be positive"}
	case r.settings.MaxAmount > 0 && total > r.settings.MaxAmount:
		return 0, &AmountError{Amount: total, Reason: fmt.Sprintf("exceeds the %.2f ceiling", r.settings.MaxAmount)}
	}
	cents, err := pricing.ToMinorUnits(total)
	if err != nil {
		return 0, &AmountError{Amount: total, Reason: err.Error()}
	}
	return cents, nil
}

func (r *Reconciler) lock(orderNumber string) func() {
	r.mu.Lock()
	l, ok := r.locks[orderNumber]
	if !ok {
		l = &orderLock{}
		r.locks[orderNumber] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, orderNumber)
		}
		r.mu.Unlock()
	}
}
