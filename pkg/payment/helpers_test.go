package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	delay    time.Duration
	hang     bool
	requests []LinkRequest
}

func (f *fakeProvider) CreatePaymentLink(ctx context.Context, req LinkRequest) (Link, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.hang {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		<-ctx.Done()
		return Link{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return Link{}, f.err
	}
	id := fmt.Sprintf("plink_%d", f.calls)
	return Link{ID: id, URL: "https://pay.example.com/" + id}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	reconciler *Reconciler
	store      *orders.Store
	provider   *fakeProvider
	recorder   *telemetry.Recorder
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &telemetry.Recorder{}
	policy := retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
	exec := retry.NewExecutor(rec)
	store := orders.NewStore(orders.NewMemoryRepository(), orders.NewCache(), pricing.NewCalculator(pricing.DefaultRates()), exec, policy, rec)
	provider := &fakeProvider{}
	cfg := &config.PaymentSettings{
		Currency:    "usd",
		MaxAmount:   10000,
		LinkTTL:     24 * time.Hour,
		CallTimeout: time.Second,
	}
	f := &fixture{store: store, provider: provider, recorder: rec, clock: fixedNow}
	f.reconciler = NewReconciler(store, provider, exec, policy, cfg, rec)
	f.reconciler.now = func() time.Time { return f.clock }
	return f
}

// seed stores an online order for a burrito pair: 17.98 subtotal, 20.47 charged.
func (f *fixture) seed(t *testing.T, number string, mutate ...func(o *orders.StoredOrder)) *orders.StoredOrder {
	t.Helper()
	o := &orders.StoredOrder{
		OrderNumber:   number,
		RestaurantID:  "r-1",
		CustomerName:  "Ana",
		Items:         []orders.LineItem{{Name: "Burrito", Quantity: 2, UnitPrice: 8.99}},
		PaymentMethod: orders.PaymentOnline,
		PaymentStatus: orders.PaymentPending,
		CorrelationID: "corr-" + number,
	}
	for _, m := range mutate {
		m(o)
	}
	orders.ApplyPricing(f.store.Calculator(), o)
	_, err := f.store.StoreOrder(context.Background(), o)
	require.NoError(t, err)
	return o
}
