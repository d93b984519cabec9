package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/broker"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/payment"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/queue"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

var (
	t0         = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	errStorage = errors.New("connection refused")
)

// failingOrders fails the first saveFailures saves; negative fails forever.
type failingOrders struct {
	*orders.MemoryRepository

	mu           sync.Mutex
	saveFailures int
}

func (f *failingOrders) Save(ctx context.Context, o *orders.StoredOrder) error {
	f.mu.Lock()
	fail := f.saveFailures != 0
	if f.saveFailures > 0 {
		f.saveFailures--
	}
	f.mu.Unlock()
	if fail {
		return errStorage
	}
	return f.MemoryRepository.Save(ctx, o)
}

type stubLinker struct {
	mu       sync.Mutex
	calls    []string
	failures int
	err      error
}

func (s *stubLinker) GenerateLink(_ context.Context, orderNumber string) (payment.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, orderNumber)
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return payment.Link{}, s.err
	}
	return payment.Link{ID: "plink_" + orderNumber, URL: "https://pay.example.com/" + orderNumber}, nil
}

type stubNotifier struct {
	mu       sync.Mutex
	notified []string
	fail     bool
}

func (s *stubNotifier) Notify(_ context.Context, o *orders.StoredOrder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, o.OrderNumber)
	return !s.fail
}

type capturingBroker struct {
	mu       sync.Mutex
	messages []broker.Message
}

func (c *capturingBroker) Publish(_ context.Context, msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *capturingBroker) Close() error { return nil }

func (c *capturingBroker) published() []broker.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Message(nil), c.messages...)
}

type fixture struct {
	processor *OrderProcessor
	queue     *queue.MemoryRepository
	orders    *failingOrders
	store     *orders.Store
	linker    *stubLinker
	notifier  *stubNotifier
	broker    *capturingBroker
	recorder  *telemetry.Recorder
	clock     time.Time
}

func testSettings() *config.Settings {
	return &config.Settings{
		PollInterval:      10 * time.Millisecond,
		SweepInterval:     time.Hour,
		ProcessingTimeout: 5 * time.Minute,
		BatchSize:         10,
		MaxAttempts:       3,
		DeadLetterTopic:   "orders.dead_letter",
		Retry: config.RetrySettings{
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &telemetry.Recorder{}
	repo := &failingOrders{MemoryRepository: orders.NewMemoryRepository()}
	// No store-level retries: a failed durable write degrades immediately and
	// the queue does the retrying.
	storePolicy := retry.Policy{InitialDelay: time.Millisecond, BackoffFactor: 2}
	store := orders.NewStore(repo, orders.NewCache(), pricing.NewCalculator(pricing.DefaultRates()), retry.NewExecutor(rec), storePolicy, rec)

	f := &fixture{
		queue:    queue.NewMemoryRepository(),
		orders:   repo,
		store:    store,
		linker:   &stubLinker{},
		notifier: &stubNotifier{},
		broker:   &capturingBroker{},
		recorder: rec,
		clock:    t0,
	}
	f.processor = NewOrderProcessor(f.queue, store, f.linker, f.notifier, f.broker, testSettings(), rec)
	f.processor.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) enqueue(t *testing.T, orderData string, userContext string) queue.QueueItem {
	t.Helper()
	var uc json.RawMessage
	if userContext != "" {
		uc = json.RawMessage(userContext)
	}
	item := queue.NewItem(json.RawMessage(orderData), uc, "corr-1", 3, f.clock)
	require.NoError(t, f.queue.Enqueue(context.Background(), item))
	return item
}

// tick advances the clock past any scheduled retry and processes one batch.
func (f *fixture) tick(t *testing.T) int {
	t.Helper()
	f.clock = f.clock.Add(time.Minute)
	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) item(t *testing.T, id string) queue.QueueItem {
	t.Helper()
	item, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}
