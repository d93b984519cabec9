package payment

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
)

func TestGenerateLink_MintsAndStoresLink(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	link, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "plink_1", link.ID)

	require.Len(t, f.provider.requests, 1)
	req := f.provider.requests[0]
	assert.Equal(t, int64(2047), req.AmountCents)
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, map[string]string{
		"order_number":   "ORD-1",
		"restaurant_id":  "r-1",
		"correlation_id": "corr-ORD-1",
	}, req.Metadata)

	stored, err := f.store.FindByPaymentLink(ctx, "plink_1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", stored.OrderNumber)
	assert.Equal(t, link.URL, stored.PaymentLinkURL)
	require.NotNil(t, stored.PaymentLinkCreatedAt)
	assert.Equal(t, fixedNow, *stored.PaymentLinkCreatedAt)
	assert.Equal(t, 1, f.recorder.Count("payment.link_created"))
}

func TestGenerateLink_ReusesActiveLink(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	first, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	f.clock = fixedNow.Add(23 * time.Hour)
	second, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestGenerateLink_ExpiredLinkIsReplaced(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	_, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	f.clock = fixedNow.Add(25 * time.Hour)
	link, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "plink_2", link.ID)

	o, err := f.store.GetOrder(ctx, "ORD-1", orders.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "plink_2", o.PaymentLinkID)
}

func TestGenerateLink_ReplacementUsesFreshIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	_, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	f.clock = fixedNow.Add(25 * time.Hour)
	_, err = f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	require.Len(t, f.provider.requests, 2)
	assert.Equal(t, "ORD-1-2047", f.provider.requests[0].IdempotencyKey)
	assert.Equal(t, "ORD-1-2047-plink_1", f.provider.requests[1].IdempotencyKey)
}

func TestGenerateLink_HangingProviderIsCutOff(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	f.provider.hang = true
	f.reconciler.settings.CallTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := f.reconciler.GenerateLink(context.Background(), "ORD-1")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, f.provider.callCount())
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	o, err := f.store.GetOrder(context.Background(), "ORD-1", orders.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, o.PaymentLinkID)
}

func TestGenerateLink_CompletedOrderKeepsItsLink(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	first, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	_, err = f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: first.ID, Status: "paid"})
	require.NoError(t, err)

	f.clock = fixedNow.Add(72 * time.Hour)
	again, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestGenerateLink_RejectsAmountAboveCeiling(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "BIG", func(o *orders.StoredOrder) {
		o.Items = []orders.LineItem{{Name: "Catering", Quantity: 100, UnitPrice: 200}}
	})

	_, err := f.reconciler.GenerateLink(context.Background(), "BIG")
	var amountErr *AmountError
	require.ErrorAs(t, err, &amountErr)
	assert.Contains(t, err.Error(), "ceiling")
	assert.Equal(t, 0, f.provider.callCount())
	assert.Equal(t, 1, f.recorder.Count("payment.amount_rejected"))
}

func TestValidateAmount(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		amount float64
		cents  int64
		reject bool
	}{
		{amount: 20.47, cents: 2047},
		{amount: 0.01, cents: 1},
		{amount: 10000, cents: 1000000},
		{amount: 10000.01, reject: true},
		{amount: 0, reject: true},
		{amount: -5, reject: true},
		{amount: math.NaN(), reject: true},
		{amount: math.Inf(1), reject: true},
	}
	for _, tt := range tests {
		cents, err := f.reconciler.validateAmount(tt.amount)
		if tt.reject {
			var amountErr *AmountError
			assert.ErrorAs(t, err, &amountErr, "amount %v", tt.amount)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.cents, cents)
	}
}

func TestGenerateLink_RetriesTransientProviderFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	f.provider.failures = 2
	f.provider.err = errors.New("gateway timeout")

	link, err := f.reconciler.GenerateLink(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "plink_3", link.ID)
	assert.Equal(t, 3, f.provider.callCount())
}

func TestGenerateLink_RejectionIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	f.provider.failures = -1
	f.provider.err = &RejectedError{StatusCode: 400, Body: "currency not supported"}

	_, err := f.reconciler.GenerateLink(context.Background(), "ORD-1")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, f.provider.callCount())

	o, err := f.store.GetOrder(context.Background(), "ORD-1", orders.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, o.PaymentLinkID)
}

func TestGenerateLink_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.GenerateLink(context.Background(), "missing")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestGenerateLink_ConcurrentCallsMintOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	f.provider.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	links := make([]Link, 8)
	for i := range links {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := f.reconciler.GenerateLink(context.Background(), "ORD-1")
			assert.NoError(t, err)
			links[i] = l
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.provider.callCount())
	for _, l := range links {
		assert.Equal(t, "plink_1", l.ID)
	}
	assert.Empty(t, f.reconciler.locks)
}

func TestHandleEvent_CompletesPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()
	link, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	f.clock = fixedNow.Add(10 * time.Minute)
	o, err := f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: link.ID, TransactionID: "txn_9", Status: "succeeded"})
	require.NoError(t, err)

	assert.Equal(t, orders.PaymentCompleted, o.PaymentStatus)
	assert.Equal(t, "txn_9", o.TransactionID)
	require.NotNil(t, o.PaymentCompletedAt)
	assert.Equal(t, f.clock, *o.PaymentCompletedAt)
	assert.Equal(t, 1, f.recorder.Count("payment.completed"))

	byTxn, err := f.store.FindByTransaction(ctx, "txn_9")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", byTxn.OrderNumber)
}

func TestHandleEvent_CompletedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()
	link, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	_, err = f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: link.ID, Status: "paid"})
	require.NoError(t, err)
	o, err := f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: link.ID, Status: "expired"})
	require.NoError(t, err)

	assert.Equal(t, orders.PaymentCompleted, o.PaymentStatus)
	assert.Equal(t, 1, f.recorder.Count("payment.transition_ignored"))
}

func TestHandleEvent_FailedThenPaidByTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()
	link, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	o, err := f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: link.ID, TransactionID: "txn_1", Status: "Canceled"})
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentFailed, o.PaymentStatus)
	assert.Nil(t, o.PaymentCompletedAt)

	o, err = f.reconciler.HandleEvent(ctx, Event{TransactionID: "txn_1", Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentCompleted, o.PaymentStatus)
}

func TestHandleEvent_SupersededLinkIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	_, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	f.clock = fixedNow.Add(25 * time.Hour)
	_, err = f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)

	_, err = f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: "plink_1", Status: "expired"})
	assert.ErrorIs(t, err, ErrUnknownPaymentLink)

	o, err := f.store.GetOrder(ctx, "ORD-1", orders.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "plink_2", o.PaymentLinkID)
}

func TestHandleEvent_SupersededLinkResolvedByTransactionIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ORD-1")
	ctx := context.Background()

	_, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	_, err = f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: "plink_1", TransactionID: "txn_1", Status: "failed"})
	require.NoError(t, err)

	link, err := f.reconciler.GenerateLink(ctx, "ORD-1")
	require.NoError(t, err)
	require.Equal(t, "plink_2", link.ID)

	o, err := f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: "plink_1", TransactionID: "txn_1", Status: "expired"})
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "plink_2", o.PaymentLinkID)
	assert.Equal(t, 1, f.recorder.Count("payment.stale_link"))
}

func TestHandleEvent_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: "plink_x", Status: "paid"})
	assert.ErrorIs(t, err, ErrUnknownPaymentLink)

	_, err = f.reconciler.HandleEvent(ctx, Event{PaymentLinkID: "plink_x", Status: "open"})
	assert.ErrorIs(t, err, ErrUnhandledStatus)
}

func TestMapStatus(t *testing.T) {
	for _, s := range []string{"paid", "succeeded", "completed", "complete", " PAID "} {
		st, ok := MapStatus(s)
		assert.True(t, ok, s)
		assert.Equal(t, orders.PaymentCompleted, st, s)
	}
	for _, s := range []string{"failed", "canceled", "cancelled", "expired"} {
		st, ok := MapStatus(s)
		assert.True(t, ok, s)
		assert.Equal(t, orders.PaymentFailed, st, s)
	}
	_, ok := MapStatus("processing")
	assert.False(t, ok)
}
