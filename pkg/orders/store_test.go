package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOrder_WritesBothTiers(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 2)

	res, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)
	assert.False(t, res.Degraded)

	durable, err := repo.MemoryRepository.Get(context.Background(), "A-1")
	require.NoError(t, err)
	assert.Equal(t, 20.47, durable.OrderTotal)
	assert.Equal(t, TagNormal, durable.Tag())
	assert.Empty(t, s.cache.Dirty())
}

func TestStoreOrder_RetriesTransientFailures(t *testing.T) {
	repo := newFlakyRepository()
	repo.failSaves(2)
	s, rec := newTestStore(repo, 2)

	res, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, 3, repo.saveCount())
	assert.Equal(t, 3, rec.Count("retry.attempt"))
}

func TestStoreOrder_DegradesWhenDurableTierIsDown(t *testing.T) {
	repo := newFlakyRepository()
	repo.failSaves(-1)
	s, rec := newTestStore(repo, 1)

	res, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, rec.Count("storage.degraded"))
	assert.Equal(t, []string{"A-1"}, s.cache.Dirty())

	got, err := s.GetOrder(context.Background(), "A-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A-1", got.OrderNumber)
}

func TestStoreOrder_AcceptsSubCentUnitPrices(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 2)
	o := sampleOrder("A-1")
	o.Items = []LineItem{{Name: "Wing", Quantity: 8, UnitPrice: 0.125}}
	ApplyPricing(s.Calculator(), o)
	require.Equal(t, 1.0, o.Subtotal)

	_, err := s.StoreOrder(context.Background(), o)
	require.NoError(t, err)

	durable, err := repo.MemoryRepository.Get(context.Background(), "A-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, durable.Subtotal)
}

func TestStoreOrder_RejectsInvalidWithoutTouchingStorage(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 2)
	o := sampleOrder("A-1")
	o.Items[0].Quantity = 0
	o.Subtotal = 0

	_, err := s.StoreOrder(context.Background(), o)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 0, repo.saveCount())
	assert.Equal(t, 0, s.cache.Len())
}

func TestFlushDirty_ReplaysAfterOutage(t *testing.T) {
	repo := newFlakyRepository()
	repo.failSaves(-1)
	s, rec := newTestStore(repo, 0)

	_, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)

	n, err := s.FlushDirty(context.Background())
	assert.ErrorIs(t, err, errStorage)
	assert.Equal(t, 0, n)

	repo.failSaves(0)
	n, err = s.FlushDirty(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.cache.Dirty())
	assert.Equal(t, 1, rec.Count("storage.flushed"))

	_, err = repo.MemoryRepository.Get(context.Background(), "A-1")
	assert.NoError(t, err)
}

func TestGetOrder_BackfillsCacheFromDurableTier(t *testing.T) {
	repo := newFlakyRepository()
	require.NoError(t, repo.MemoryRepository.Save(context.Background(), sampleOrder("A-1")))
	s, _ := newTestStore(repo, 1)

	got, err := s.GetOrder(context.Background(), "A-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 20.47, got.OrderTotal)

	_, cached := s.cache.Get("A-1")
	assert.True(t, cached)
}

func TestGetOrder_NotFound(t *testing.T) {
	s, rec := newTestStore(newFlakyRepository(), 2)

	_, err := s.GetOrder(context.Background(), "nope", GetOptions{AttemptRecovery: true})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, 0, rec.Count("retry.exhausted"))
}

func TestGetOrder_ReadFailureIsNotAMiss(t *testing.T) {
	repo := newFlakyRepository()
	repo.failReads(-1)
	s, _ := newTestStore(repo, 1)

	_, err := s.GetOrder(context.Background(), "A-1", GetOptions{CreateIfMissing: true})
	assert.ErrorIs(t, err, errStorage)
	assert.Equal(t, 0, s.cache.Len())
}

func TestGetOrder_RecoversFromContext(t *testing.T) {
	repo := newFlakyRepository()
	s, rec := newTestStore(repo, 1)
	rc := &RecoveryContext{
		RestaurantID:  "r-9",
		CustomerName:  "Luis",
		PaymentMethod: PaymentOnline,
		CartItems: []LineItem{
			{Name: "Taco", Quantity: 3, UnitPrice: 3.50},
			{Name: "Broken", Quantity: 0, UnitPrice: 1},
		},
	}

	got, err := s.GetOrder(context.Background(), "R-1", GetOptions{AttemptRecovery: true, Context: rc})
	require.NoError(t, err)
	assert.Equal(t, TagRecovered, got.Tag())
	assert.Len(t, got.Items, 1)
	assert.Equal(t, 10.5, got.Subtotal)
	assert.Equal(t, "r-9", got.RestaurantID)
	assert.Equal(t, PaymentOnline, got.PaymentMethod)
	assert.Equal(t, 1, rec.Count("order.recovered"))

	again, err := s.GetOrder(context.Background(), "R-1", GetOptions{AttemptRecovery: true, Context: rc})
	require.NoError(t, err)
	assert.Equal(t, got.OrderTotal, again.OrderTotal)
	assert.Equal(t, 1, rec.Count("order.recovered"))

	durable, err := repo.MemoryRepository.Get(context.Background(), "R-1")
	require.NoError(t, err)
	assert.Equal(t, got.OrderTotal, durable.OrderTotal)
}

func TestGetOrder_RecoveryNeedsRestaurant(t *testing.T) {
	s, _ := newTestStore(newFlakyRepository(), 1)
	rc := &RecoveryContext{CartItems: []LineItem{{Name: "Taco", Quantity: 1, UnitPrice: 3.50}}}

	_, err := s.GetOrder(context.Background(), "R-1", GetOptions{AttemptRecovery: true, Context: rc})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOrder_SynthesizesDefaultPlaceholder(t *testing.T) {
	s, rec := newTestStore(newFlakyRepository(), 1)

	got, err := s.GetOrder(context.Background(), "P-1", GetOptions{AttemptRecovery: true, CreateIfMissing: true})
	require.NoError(t, err)

	require.Len(t, got.Items, 1)
	assert.Equal(t, LineItem{Name: DefaultItemName, Quantity: 1, UnitPrice: DefaultItemPrice}, got.Items[0])
	assert.Equal(t, Placeholder{SynthesizedAt: fixedNow, DefaultItems: true}, got.Origin)
	assert.Equal(t, 10.0, got.Subtotal)
	assert.Equal(t, 0.9, got.Tax)
	assert.Equal(t, 0.62, got.ProcessingFee)
	assert.Equal(t, 11.52, got.OrderTotal)
	assert.Equal(t, UnknownRestaurantID, got.RestaurantID)
	assert.Equal(t, 1, rec.Count("order.placeholder"))

	again, err := s.GetOrder(context.Background(), "P-1", GetOptions{CreateIfMissing: true})
	require.NoError(t, err)
	assert.Equal(t, got.OrderTotal, again.OrderTotal)
	assert.Equal(t, 1, rec.Count("order.placeholder"))
}

func TestGetOrder_PlaceholderKeepsPartialCart(t *testing.T) {
	s, _ := newTestStore(newFlakyRepository(), 1)
	rc := &RecoveryContext{
		CustomerEmail: "not-an-email",
		CartItems:     []LineItem{{Name: "Taco", Quantity: 2, UnitPrice: 3.50}},
	}

	got, err := s.GetOrder(context.Background(), "P-2", GetOptions{CreateIfMissing: true, Context: rc})
	require.NoError(t, err)
	assert.Equal(t, Placeholder{SynthesizedAt: fixedNow, DefaultItems: false}, got.Origin)
	assert.Equal(t, 7.0, got.Subtotal)
	assert.Empty(t, got.CustomerEmail)
}

func TestUpdateOrder(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 0)
	_, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)

	repo.failSaves(-1)
	updated, err := s.UpdateOrder(context.Background(), "A-1", func(o *StoredOrder) error {
		o.PaymentStatus = PaymentCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, updated.PaymentStatus)

	cached, err := s.GetOrder(context.Background(), "A-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, cached.PaymentStatus)
	assert.Equal(t, []string{"A-1"}, s.cache.Dirty())

	durable, err := repo.MemoryRepository.Get(context.Background(), "A-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, durable.PaymentStatus)
}

func TestUpdateOrder_PropagatesCallbackAndValidationErrors(t *testing.T) {
	s, _ := newTestStore(newFlakyRepository(), 0)
	_, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.UpdateOrder(context.Background(), "A-1", func(*StoredOrder) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.UpdateOrder(context.Background(), "A-1", func(o *StoredOrder) error {
		o.PaymentStatus = "refunded"
		return nil
	})
	assert.True(t, IsValidationError(err))

	_, err = s.UpdateOrder(context.Background(), "missing", func(*StoredOrder) error { return nil })
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestDeleteOrder(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 0)
	_, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteOrder(context.Background(), "A-1"))
	_, err = s.GetOrder(context.Background(), "A-1", GetOptions{})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	assert.ErrorIs(t, s.DeleteOrder(context.Background(), "A-1"), ErrOrderNotFound)
}

func TestDeleteOrder_DurableFailureIsReplayed(t *testing.T) {
	repo := newFlakyRepository()
	s, rec := newTestStore(repo, 0)
	_, err := s.StoreOrder(context.Background(), sampleOrder("A-1"))
	require.NoError(t, err)

	repo.failSaves(1)
	require.NoError(t, s.DeleteOrder(context.Background(), "A-1"))
	assert.Equal(t, 1, rec.Count("storage.delete_failed"))

	_, err = s.GetOrder(context.Background(), "A-1", GetOptions{})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	n, err := s.FlushDirty(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.MemoryRepository.Get(context.Background(), "A-1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOrdersByRestaurant_CacheWins(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 0)

	stale := sampleOrder("A-1")
	require.NoError(t, repo.MemoryRepository.Save(context.Background(), stale))
	require.NoError(t, repo.MemoryRepository.Save(context.Background(), sampleOrder("A-2")))

	fresh := sampleOrder("A-1")
	fresh.PaymentStatus = PaymentCompleted
	s.cache.Put(fresh)

	got, err := s.GetOrdersByRestaurant(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A-1", got[0].OrderNumber)
	assert.Equal(t, PaymentCompleted, got[0].PaymentStatus)
	assert.Equal(t, "A-2", got[1].OrderNumber)
}

func TestGetOrdersByRestaurant_DegradesToCache(t *testing.T) {
	repo := newFlakyRepository()
	repo.failReads(-1)
	s, rec := newTestStore(repo, 0)
	s.cache.Put(sampleOrder("A-1"))

	got, err := s.GetOrdersByRestaurant(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, rec.Count("storage.read_failed"))
}

func TestFindByPaymentLink(t *testing.T) {
	repo := newFlakyRepository()
	s, _ := newTestStore(repo, 0)

	durableOnly := sampleOrder("A-2")
	durableOnly.PaymentLinkID = "plink_2"
	require.NoError(t, repo.MemoryRepository.Save(context.Background(), durableOnly))

	cached := sampleOrder("A-1")
	cached.PaymentLinkID = "plink_1"
	cached.TransactionID = "tx_1"
	_, err := s.StoreOrder(context.Background(), cached)
	require.NoError(t, err)

	got, err := s.FindByPaymentLink(context.Background(), "plink_1")
	require.NoError(t, err)
	assert.Equal(t, "A-1", got.OrderNumber)

	got, err = s.FindByPaymentLink(context.Background(), "plink_2")
	require.NoError(t, err)
	assert.Equal(t, "A-2", got.OrderNumber)

	_, err = s.FindByPaymentLink(context.Background(), "plink_x")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	got, err = s.FindByTransaction(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, "A-1", got.OrderNumber)
	_, err = s.FindByTransaction(context.Background(), "tx_x")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
