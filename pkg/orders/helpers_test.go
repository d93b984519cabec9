package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

var (
	fixedNow   = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	errStorage = errors.New("connection refused")
)

func testPolicy(retries int) retry.Policy {
	return retry.Policy{
		MaxRetries:    retries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func sampleOrder(number string) *StoredOrder {
	o := &StoredOrder{
		OrderNumber:    number,
		RestaurantID:   "r-1",
		RestaurantName: "Taqueria Uno",
		CustomerName:   "Ana",
		CustomerEmail:  "ana@example.com",
		Items: []LineItem{
			{Name: "Burrito", Quantity: 2, UnitPrice: 8.99},
		},
		PaymentMethod: PaymentOnline,
		PaymentStatus: PaymentPending,
		CreatedAt:     fixedNow,
		UpdatedAt:     fixedNow,
	}
	ApplyPricing(pricing.NewCalculator(pricing.DefaultRates()), o)
	return o
}

// flakyRepository wraps a MemoryRepository and fails a configurable number of
// calls.
type flakyRepository struct {
	*MemoryRepository

	mu           sync.Mutex
	saveFailures int // negative fails forever
	readFailures int
	saves        int
}

func newFlakyRepository() *flakyRepository {
	return &flakyRepository{MemoryRepository: NewMemoryRepository()}
}

func (f *flakyRepository) failSaves(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveFailures = n
}

func (f *flakyRepository) failReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readFailures = n
}

func (f *flakyRepository) take(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *counter == 0 {
		return false
	}
	if *counter > 0 {
		*counter--
	}
	return true
}

func (f *flakyRepository) Save(ctx context.Context, o *StoredOrder) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	if f.take(&f.saveFailures) {
		return errStorage
	}
	return f.MemoryRepository.Save(ctx, o)
}

func (f *flakyRepository) Delete(ctx context.Context, orderNumber string) error {
	if f.take(&f.saveFailures) {
		return errStorage
	}
	return f.MemoryRepository.Delete(ctx, orderNumber)
}

func (f *flakyRepository) Get(ctx context.Context, orderNumber string) (*StoredOrder, error) {
	if f.take(&f.readFailures) {
		return nil, errStorage
	}
	return f.MemoryRepository.Get(ctx, orderNumber)
}

func (f *flakyRepository) ListByRestaurant(ctx context.Context, restaurantID string) ([]*StoredOrder, error) {
	if f.take(&f.readFailures) {
		return nil, errStorage
	}
	return f.MemoryRepository.ListByRestaurant(ctx, restaurantID)
}

func (f *flakyRepository) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func newTestStore(repo Repository, retries int) (*Store, *telemetry.Recorder) {
	rec := &telemetry.Recorder{}
	s := NewStore(repo, NewCache(), pricing.NewCalculator(pricing.DefaultRates()), retry.NewExecutor(rec), testPolicy(retries), rec)
	s.now = func() time.Time { return fixedNow }
	return s, rec
}
