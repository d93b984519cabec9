package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/broker"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/metrics"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/notify"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/payment"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/queue"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// ErrDegraded is the failure recorded when an order only reached the cache.
// The item is retried so the durable tier eventually gets it.
var ErrDegraded = errors.New("order not persisted: durable store unavailable")

// PaymentLinker mints or returns the payment link of an order.
type PaymentLinker interface {
	GenerateLink(ctx context.Context, orderNumber string) (payment.Link, error)
}

// OrderProcessor drains the order queue: it prices and stores each order,
// attaches a payment link, notifies, and drives the retry/dead-letter state
// machine.
type OrderProcessor struct {
	queue     queue.Repository
	store     *orders.Store
	payments  PaymentLinker
	notifier  notify.Notifier
	broker    broker.MessageBroker
	reporter  telemetry.Reporter
	tracer    trace.Tracer
	policy    retry.Policy
	batchSize int
	poll      time.Duration
	sweep     time.Duration
	timeout   time.Duration
	dlTopic   string
	now       func() time.Time
}

// NewOrderProcessor creates a new instance of OrderProcessor. broker may be
// nil when dead-letter events are not published.
func NewOrderProcessor(repo queue.Repository, store *orders.Store, payments PaymentLinker, notifier notify.Notifier, b broker.MessageBroker, cfg *config.Settings, r telemetry.Reporter) *OrderProcessor {
	if r == nil {
		r = telemetry.Nop{}
	}
	return &OrderProcessor{
		queue:     repo,
		store:     store,
		payments:  payments,
		notifier:  notifier,
		broker:    b,
		reporter:  r,
		tracer:    otel.Tracer(telemetry.TracerName),
		policy:    retry.PolicyFromSettings(cfg.Retry),
		batchSize: cfg.BatchSize,
		poll:      cfg.PollInterval,
		sweep:     cfg.SweepInterval,
		timeout:   cfg.ProcessingTimeout,
		dlTopic:   cfg.DeadLetterTopic,
		now:       time.Now,
	}
}

// Run polls the queue until ctx is done. Each tick claims and processes one
// batch; the sweep runs on its own, slower, interval.
func (p *OrderProcessor) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(p.poll)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(p.sweep)
	defer sweepTicker.Stop()

	log.Printf("Order processor started (poll every %s, sweep every %s)", p.poll, p.sweep)
	p.Sweep(ctx)
	for {
		if _, err := p.ProcessBatch(ctx); err != nil && !retry.IsContextError(err) {
			log.Printf("Failed to process batch: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Println("Order processor stopped")
			return ctx.Err()
		case <-sweepTicker.C:
			p.Sweep(ctx)
		case <-pollTicker.C:
		}
	}
}

// ProcessBatch claims up to batch_size due items and processes them in
// claim order. It returns how many items were claimed.
func (p *OrderProcessor) ProcessBatch(ctx context.Context) (int, error) {
	items, err := p.queue.ClaimDue(ctx, p.now(), p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due items: %w", err)
	}
	for _, item := range items {
		if ctx.Err() != nil {
			// Unprocessed claims are picked up again by the orphan sweep.
			return len(items), ctx.Err()
		}
		p.processItem(ctx, item)
	}
	return len(items), nil
}

// Sweep returns timed-out processing items to the queue, replays cached
// orders whose durable write failed and refreshes the queue depth gauge.
func (p *OrderProcessor) Sweep(ctx context.Context) {
	now := p.now()
	reclaimed, err := p.queue.ReclaimOrphans(ctx, now.Add(-p.timeout), now, now.Add(p.policy.Delay(0)))
	if err != nil {
		log.Printf("Failed to reclaim orphaned items: %v", err)
	}
	for _, r := range reclaimed {
		metrics.RecordQueueOutcome("reclaimed")
		p.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelWarn,
			Category: "queue.reclaimed",
			Message:  fmt.Sprintf("item %s timed out in processing, now %s", r.ID, r.Status),
			Data:     map[string]any{"itemId": r.ID, "status": string(r.Status)},
		})
		if r.Status == queue.StatusDeadLetter {
			item, err := p.queue.Get(ctx, r.ID)
			if err != nil {
				log.Printf("Failed to load dead-lettered item %s: %v", r.ID, err)
				continue
			}
			p.deadLetter(ctx, item, errors.New("processing timed out"))
		}
	}

	if _, err := p.store.FlushDirty(ctx); err != nil {
		log.Printf("Failed to flush cached orders: %v", err)
	}

	counts, err := p.queue.CountByStatus(ctx)
	if err != nil {
		log.Printf("Failed to count queue items: %v", err)
		return
	}
	depth := make(map[string]int, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		depth[string(st)] = counts[st]
	}
	metrics.SetQueueDepth(depth)
}

func (p *OrderProcessor) processItem(ctx context.Context, item queue.QueueItem) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ProcessQueueItem", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.Int("queue.attempts", item.Attempts),
		attribute.Int("queue.max_attempts", item.MaxAttempts),
		attribute.String("correlation.id", item.Correlation()),
	))
	defer func() {
		metrics.ObserveProcessing(time.Since(start).Seconds())
		span.End()
	}()

	orderNumber, err := p.handle(ctx, item)
	span.SetAttributes(attribute.String("order.number", orderNumber))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, item, orderNumber, err)
		return
	}

	if err := p.queue.MarkCompleted(ctx, item.ID, p.now()); err != nil {
		// The item stays processing and the sweep retries it; the order
		// upsert makes that harmless.
		log.Printf("Failed to mark item %s completed: %v", item.ID, err)
		span.RecordError(err)
		return
	}
	metrics.RecordQueueOutcome("completed")
	p.reporter.Report(ctx, telemetry.Event{
		Level:         telemetry.LevelInfo,
		Category:      "queue.completed",
		Message:       "order processed",
		OrderID:       orderNumber,
		CorrelationID: item.Correlation(),
		Data:          map[string]any{"itemId": item.ID, "attempts": item.Attempts},
	})
}

// handle runs the pipeline for one item and returns the order number it
// worked on.
func (p *OrderProcessor) handle(ctx context.Context, item queue.QueueItem) (string, error) {
	o, err := decodeOrder(item)
	if err != nil {
		return OrderNumberFor(item), err
	}

	prev, err := p.store.GetOrder(ctx, o.OrderNumber, orders.GetOptions{})
	switch {
	case err == nil:
		carryOver(o, prev)
	case !errors.Is(err, orders.ErrOrderNotFound):
		return o.OrderNumber, err
	}

	orders.ApplyPricing(p.store.Calculator(), o)
	res, err := p.store.StoreOrder(ctx, o)
	if err != nil {
		return o.OrderNumber, err
	}
	if res.Degraded {
		return o.OrderNumber, ErrDegraded
	}

	if o.PaymentMethod == orders.PaymentOnline && o.PaymentStatus != orders.PaymentCompleted {
		if _, err := p.payments.GenerateLink(ctx, o.OrderNumber); err != nil {
			return o.OrderNumber, err
		}
	}

	if !o.NotificationSent {
		p.notify(ctx, o.OrderNumber)
	}
	return o.OrderNumber, nil
}

// notify never fails the item.
func (p *OrderProcessor) notify(ctx context.Context, orderNumber string) {
	current, err := p.store.GetOrder(ctx, orderNumber, orders.GetOptions{})
	if err != nil {
		log.Printf("Failed to load order %s for notification: %v", orderNumber, err)
		return
	}
	if !p.notifier.Notify(ctx, current) {
		log.Printf("Notification for order %s was not delivered", orderNumber)
		return
	}
	_, err = p.store.UpdateOrder(ctx, orderNumber, func(o *orders.StoredOrder) error {
		o.NotificationSent = true
		return nil
	})
	if err != nil {
		log.Printf("Failed to flag order %s as notified: %v", orderNumber, err)
	}
}

func (p *OrderProcessor) fail(ctx context.Context, item queue.QueueItem, orderNumber string, cause error) {
	now := p.now()
	terminal := isTerminal(cause)
	next := now.Add(p.policy.Delay(item.Attempts))

	status, err := p.queue.RecordFailure(ctx, item.ID, cause.Error(), now, next, terminal)
	if err != nil {
		log.Printf("Failed to record failure for item %s: %v", item.ID, err)
		return
	}

	if status == queue.StatusDeadLetter {
		item.Attempts++
		p.deadLetter(ctx, item, cause)
		return
	}
	metrics.RecordQueueOutcome("retried")
	p.reporter.Report(ctx, telemetry.Event{
		Level:         telemetry.LevelWarn,
		Category:      "queue.retry_scheduled",
		Message:       cause.Error(),
		OrderID:       orderNumber,
		CorrelationID: item.Correlation(),
		Data:          map[string]any{"itemId": item.ID, "attempt": item.Attempts + 1, "nextAttemptAt": next},
	})
}

// deadLetterMessage is published to the dead-letter topic.
type deadLetterMessage struct {
	ItemID        string          `json:"itemId"`
	OrderNumber   string          `json:"orderNumber"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Attempts      int             `json:"attempts"`
	Error         string          `json:"error"`
	OrderData     json.RawMessage `json:"orderData"`
	DeadAt        time.Time       `json:"deadAt"`
}

func (p *OrderProcessor) deadLetter(ctx context.Context, item queue.QueueItem, cause error) {
	orderNumber := OrderNumberFor(item)
	metrics.RecordQueueOutcome("dead_letter")
	p.reporter.Report(ctx, telemetry.Event{
		Level:         telemetry.LevelError,
		Category:      "queue.dead_letter",
		Message:       cause.Error(),
		OrderID:       orderNumber,
		CorrelationID: item.Correlation(),
		Data:          map[string]any{"itemId": item.ID, "attempts": item.Attempts},
	})

	if p.broker == nil || p.dlTopic == "" {
		return
	}
	msg := deadLetterMessage{
		ItemID:        item.ID,
		OrderNumber:   orderNumber,
		CorrelationID: item.Correlation(),
		Attempts:      item.Attempts,
		Error:         cause.Error(),
		OrderData:     item.OrderData,
		DeadAt:        p.now(),
	}
	if !json.Valid(msg.OrderData) {
		raw, _ := json.Marshal(string(item.OrderData))
		msg.OrderData = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode dead-letter event for item %s: %v", item.ID, err)
		return
	}
	headers := map[string]string{"event": "queue.dead_letter"}
	if item.CorrelationID != nil {
		headers["correlation_id"] = *item.CorrelationID
	}
	err = p.broker.Publish(ctx, broker.Message{Topic: p.dlTopic, Key: item.ID, Payload: payload, Headers: headers})
	if err != nil {
		log.Printf("Failed to publish dead-letter event for item %s: %v", item.ID, err)
	}
}

// isTerminal reports failures that no retry can fix.
func isTerminal(err error) bool {
	var malformed *malformedError
	return orders.IsValidationError(err) || errors.As(err, &malformed)
}
