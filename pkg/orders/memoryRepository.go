package orders

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps orders in process. It backs the "memory" store type
// and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*StoredOrder
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*StoredOrder)}
}

func (m *MemoryRepository) Save(_ context.Context, o *StoredOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderNumber] = o.Clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, orderNumber string) (*StoredOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderNumber]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryRepository) Delete(_ context.Context, orderNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderNumber]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, orderNumber)
	return nil
}

func (m *MemoryRepository) ListByRestaurant(_ context.Context, restaurantID string) ([]*StoredOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StoredOrder
	for _, o := range m.orders {
		if o.RestaurantID == restaurantID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) FindByPaymentLink(_ context.Context, linkID string) (*StoredOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentLinkID != "" && o.PaymentLinkID == linkID {
			return o.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}
