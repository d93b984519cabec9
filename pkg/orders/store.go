package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/metrics"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// StoreResult tells the caller whether the order reached the durable tier.
type StoreResult struct {
	Degraded bool
}

// Store is the hybrid order store: a process-local cache in front of a
// durable Repository. Writes always land in the cache; durable writes are
// retried and, when they keep failing, replayed later by FlushDirty.
type Store struct {
	repo     Repository
	cache    *Cache
	calc     pricing.Calculator
	exec     *retry.Executor
	policy   retry.Policy
	reporter telemetry.Reporter
	now      func() time.Time
}

func NewStore(repo Repository, cache *Cache, calc pricing.Calculator, exec *retry.Executor, policy retry.Policy, reporter telemetry.Reporter) *Store {
	if cache == nil {
		cache = NewCache()
	}
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	if exec == nil {
		exec = retry.NewExecutor(reporter)
	}
	return &Store{
		repo:     repo,
		cache:    cache,
		calc:     calc,
		exec:     exec,
		policy:   policy,
		reporter: reporter,
		now:      time.Now,
	}
}

// Calculator is the price calculator every order built for this store uses.
func (s *Store) Calculator() pricing.Calculator {
	return s.calc
}

// StoreOrder validates o, caches it and writes it through to the durable
// tier. A *ValidationError is returned without touching either tier. Durable
// failure is not an error: the result is marked Degraded and the order is
// queued for FlushDirty.
func (s *Store) StoreOrder(ctx context.Context, o *StoredOrder) (StoreResult, error) {
	if err := Validate(o); err != nil {
		metrics.RecordOrderOperation("store", false)
		s.reporter.Report(ctx, telemetry.Event{
			Level:         telemetry.LevelWarn,
			Category:      "order.invalid",
			Message:       err.Error(),
			OrderID:       orderID(o),
			CorrelationID: correlationID(o),
		})
		return StoreResult{}, err
	}

	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Origin == nil {
		o.Origin = Normal{}
	}

	s.cache.Put(o)
	degraded := s.persist(ctx, "store", o)
	return StoreResult{Degraded: degraded}, nil
}

// GetOrder resolves an order number through the cache, then the durable
// tier, then recovery from opts.Context, then placeholder synthesis.
// ErrOrderNotFound is returned when every enabled step misses.
func (s *Store) GetOrder(ctx context.Context, orderNumber string, opts GetOptions) (*StoredOrder, error) {
	if o, ok := s.cache.Get(orderNumber); ok {
		metrics.RecordOrderOperation("get", true)
		return o, nil
	}

	if !s.cache.IsDeleted(orderNumber) {
		o, err := s.load(ctx, orderNumber)
		switch {
		case err == nil:
			s.cache.Put(o)
			metrics.RecordOrderOperation("get", true)
			return o, nil
		case !errors.Is(err, ErrOrderNotFound):
			metrics.RecordOrderOperation("get", false)
			return nil, fmt.Errorf("load order %s: %w", orderNumber, err)
		}
	}

	if opts.AttemptRecovery && opts.Context.canRecover() {
		o := recoveredOrder(orderNumber, opts.Context, s.now())
		ApplyPricing(s.calc, o)
		_, err := s.StoreOrder(ctx, o)
		if err == nil {
			s.reporter.Report(ctx, telemetry.Event{
				Level:         telemetry.LevelInfo,
				Category:      "order.recovered",
				Message:       "order rebuilt from conversation context",
				OrderID:       orderNumber,
				CorrelationID: o.CorrelationID,
				Data:          map[string]any{"items": len(o.Items), "orderTotal": o.OrderTotal},
			})
			metrics.RecordOrderOperation("recover", true)
			return o, nil
		}
		s.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelWarn,
			Category: "order.recovery_failed",
			Message:  err.Error(),
			OrderID:  orderNumber,
		})
		metrics.RecordOrderOperation("recover", false)
	}

	if opts.CreateIfMissing {
		o := placeholderOrder(orderNumber, opts.Context, s.now())
		ApplyPricing(s.calc, o)
		if _, err := s.StoreOrder(ctx, o); err != nil {
			metrics.RecordOrderOperation("placeholder", false)
			return nil, fmt.Errorf("synthesize placeholder %s: %w", orderNumber, err)
		}
		s.reporter.Report(ctx, telemetry.Event{
			Level:         telemetry.LevelWarn,
			Category:      "order.placeholder",
			Message:       "placeholder order synthesized",
			OrderID:       orderNumber,
			CorrelationID: o.CorrelationID,
			Data:          map[string]any{"defaultItems": o.Origin.(Placeholder).DefaultItems, "orderTotal": o.OrderTotal},
		})
		metrics.RecordOrderOperation("placeholder", true)
		return o, nil
	}

	metrics.RecordOrderOperation("get", false)
	return nil, ErrOrderNotFound
}

// UpdateOrder applies fn to the current order and stores the result. The
// cache is updated first; a durable failure is reported and left for
// FlushDirty instead of being returned.
func (s *Store) UpdateOrder(ctx context.Context, orderNumber string, fn func(o *StoredOrder) error) (*StoredOrder, error) {
	o, err := s.GetOrder(ctx, orderNumber, GetOptions{})
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	o.OrderNumber = orderNumber
	if err := Validate(o); err != nil {
		metrics.RecordOrderOperation("update", false)
		return nil, err
	}
	o.UpdatedAt = s.now()

	s.cache.Put(o)
	s.persist(ctx, "update", o)
	return o, nil
}

// DeleteOrder removes an order from both tiers. The durable delete is best
// effort; until it succeeds the cache keeps a tombstone and FlushDirty
// retries it.
func (s *Store) DeleteOrder(ctx context.Context, orderNumber string) error {
	cached := s.cache.Delete(orderNumber)

	err := s.exec.Do(ctx, "order.delete", s.policy, func(ctx context.Context) error {
		err := s.repo.Delete(ctx, orderNumber)
		if errors.Is(err, ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		s.cache.clearDeleted(orderNumber)
	case errors.Is(err, ErrOrderNotFound):
		s.cache.clearDeleted(orderNumber)
		if !cached {
			metrics.RecordOrderOperation("delete", false)
			return ErrOrderNotFound
		}
	default:
		s.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelWarn,
			Category: "storage.delete_failed",
			Message:  "durable delete failed; will retry on flush",
			OrderID:  orderNumber,
			Data:     map[string]any{"error": err.Error()},
		})
	}
	metrics.RecordOrderOperation("delete", true)
	return nil
}

// GetOrdersByRestaurant merges durable and cached orders by order number,
// preferring the cached copy. A durable failure degrades to cache-only.
func (s *Store) GetOrdersByRestaurant(ctx context.Context, restaurantID string) ([]*StoredOrder, error) {
	merged := make(map[string]*StoredOrder)

	var durable []*StoredOrder
	err := s.exec.Do(ctx, "order.list", s.policy, func(ctx context.Context) error {
		var err error
		durable, err = s.repo.ListByRestaurant(ctx, restaurantID)
		return err
	})
	if err != nil {
		s.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelWarn,
			Category: "storage.read_failed",
			Message:  "durable listing failed; serving cached orders only",
			Data:     map[string]any{"restaurantId": restaurantID, "error": err.Error()},
		})
	}
	for _, o := range durable {
		if s.cache.IsDeleted(o.OrderNumber) {
			continue
		}
		merged[o.OrderNumber] = o
	}
	for _, o := range s.cache.ByRestaurant(restaurantID) {
		merged[o.OrderNumber] = o
	}

	out := make([]*StoredOrder, 0, len(merged))
	for _, o := range merged {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNumber < out[j].OrderNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	metrics.RecordOrderOperation("list", err == nil)
	return out, nil
}

// FindByPaymentLink resolves a payment link id through the in-process index,
// falling back to the durable tier.
func (s *Store) FindByPaymentLink(ctx context.Context, linkID string) (*StoredOrder, error) {
	if n, ok := s.cache.LookupPaymentLink(linkID); ok {
		if o, ok := s.cache.Get(n); ok {
			return o, nil
		}
	}
	var found *StoredOrder
	err := s.exec.Do(ctx, "order.find_by_link", s.policy, func(ctx context.Context) error {
		o, err := s.repo.FindByPaymentLink(ctx, linkID)
		if errors.Is(err, ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		found = o
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cache.IsDeleted(found.OrderNumber) {
		return nil, ErrOrderNotFound
	}
	s.cache.Put(found)
	return found, nil
}

// FindByTransaction resolves a provider transaction id. Only orders seen by
// this process are indexed.
func (s *Store) FindByTransaction(_ context.Context, transactionID string) (*StoredOrder, error) {
	if n, ok := s.cache.LookupTransaction(transactionID); ok {
		if o, ok := s.cache.Get(n); ok {
			return o, nil
		}
	}
	return nil, ErrOrderNotFound
}

// FlushDirty replays cached orders whose durable write failed, and pending
// durable deletes. It makes one attempt per entry and returns how many
// entries were reconciled.
func (s *Store) FlushDirty(ctx context.Context) (int, error) {
	var errs []error
	flushed := 0

	for _, n := range s.cache.Dirty() {
		o, ok := s.cache.Get(n)
		if !ok {
			s.cache.ClearDirty(n)
			continue
		}
		if err := s.repo.Save(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("flush order %s: %w", n, err))
			continue
		}
		s.cache.ClearDirty(n)
		flushed++
	}

	for _, n := range s.cache.pendingDeletes() {
		err := s.repo.Delete(ctx, n)
		if err != nil && !errors.Is(err, ErrOrderNotFound) {
			errs = append(errs, fmt.Errorf("flush delete %s: %w", n, err))
			continue
		}
		s.cache.clearDeleted(n)
		flushed++
	}

	if flushed > 0 {
		s.reporter.Report(ctx, telemetry.Event{
			Level:    telemetry.LevelInfo,
			Category: "storage.flushed",
			Message:  fmt.Sprintf("reconciled %d cached entries with the durable store", flushed),
			Data:     map[string]any{"flushed": flushed, "failed": len(errs)},
		})
	}
	return flushed, errors.Join(errs...)
}

// persist writes o to the durable tier with retries and reports whether the
// write degraded to cache-only.
func (s *Store) persist(ctx context.Context, op string, o *StoredOrder) bool {
	snapshot := o.Clone()
	degraded := false
	_ = s.exec.Degrade(ctx, "order."+op,
		func(ctx context.Context) error {
			return s.exec.Do(ctx, "order."+op, s.policy, func(ctx context.Context) error {
				return s.repo.Save(ctx, snapshot)
			})
		},
		func(ctx context.Context) error {
			degraded = true
			s.cache.MarkDirty(snapshot.OrderNumber)
			s.reporter.Report(ctx, telemetry.Event{
				Level:         telemetry.LevelWarn,
				Category:      "storage.degraded",
				Message:       "durable write failed; order kept in cache for replay",
				OrderID:       snapshot.OrderNumber,
				CorrelationID: snapshot.CorrelationID,
				Data:          map[string]any{"operation": op},
			})
			return nil
		})
	if !degraded {
		s.cache.ClearDirty(snapshot.OrderNumber)
	}
	metrics.RecordOrderOperation(op, !degraded)
	return degraded
}

func (s *Store) load(ctx context.Context, orderNumber string) (*StoredOrder, error) {
	var found *StoredOrder
	err := s.exec.Do(ctx, "order.load", s.policy, func(ctx context.Context) error {
		o, err := s.repo.Get(ctx, orderNumber)
		if errors.Is(err, ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		found = o
		return err
	})
	return found, err
}

func orderID(o *StoredOrder) string {
	if o == nil {
		return ""
	}
	return o.OrderNumber
}

func correlationID(o *StoredOrder) string {
	if o == nil {
		return ""
	}
	return o.CorrelationID
}
