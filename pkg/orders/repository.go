package orders

import "context"

// Repository is the durable tier of the order store.
type Repository interface {
	// Save inserts or replaces the order keyed by its order number.
	Save(ctx context.Context, o *StoredOrder) error
	// Get returns ErrOrderNotFound when no row exists.
	Get(ctx context.Context, orderNumber string) (*StoredOrder, error)
	// Delete returns ErrOrderNotFound when no row exists.
	Delete(ctx context.Context, orderNumber string) error
	ListByRestaurant(ctx context.Context, restaurantID string) ([]*StoredOrder, error)
	FindByPaymentLink(ctx context.Context, linkID string) (*StoredOrder, error)
}
