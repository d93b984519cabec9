package orders

import (
	"sort"
	"sync"
)

// Cache is the volatile tier of the order store. It is the authoritative view
// for reads within this process. Entries are copied on the way in and out.
type Cache struct {
	mu            sync.RWMutex
	orders        map[string]*StoredOrder
	dirty         map[string]struct{}
	deleted       map[string]struct{}
	byPaymentLink map[string]string
	byTransaction map[string]string
}

func NewCache() *Cache {
	return &Cache{
		orders:        make(map[string]*StoredOrder),
		dirty:         make(map[string]struct{}),
		deleted:       make(map[string]struct{}),
		byPaymentLink: make(map[string]string),
		byTransaction: make(map[string]string),
	}
}

// Put stores a copy of o and indexes its payment link and transaction ids. A
// replaced payment link is dropped from the index.
func (c *Cache) Put(o *StoredOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.orders[o.OrderNumber]; ok && prev.PaymentLinkID != "" && prev.PaymentLinkID != o.PaymentLinkID {
		if c.byPaymentLink[prev.PaymentLinkID] == o.OrderNumber {
			delete(c.byPaymentLink, prev.PaymentLinkID)
		}
	}
	c.orders[o.OrderNumber] = o.Clone()
	delete(c.deleted, o.OrderNumber)
	if o.PaymentLinkID != "" {
		c.byPaymentLink[o.PaymentLinkID] = o.OrderNumber
	}
	if o.TransactionID != "" {
		c.byTransaction[o.TransactionID] = o.OrderNumber
	}
}

func (c *Cache) Get(orderNumber string) (*StoredOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderNumber]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Delete removes the order and leaves a tombstone so the durable tier cannot
// resurrect it until the durable delete has gone through.
func (c *Cache) Delete(orderNumber string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderNumber]
	if ok {
		if o.PaymentLinkID != "" {
			delete(c.byPaymentLink, o.PaymentLinkID)
		}
		if o.TransactionID != "" {
			delete(c.byTransaction, o.TransactionID)
		}
	}
	delete(c.orders, orderNumber)
	delete(c.dirty, orderNumber)
	c.deleted[orderNumber] = struct{}{}
	return ok
}

// IsDeleted reports whether a durable delete of orderNumber is outstanding.
func (c *Cache) IsDeleted(orderNumber string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.deleted[orderNumber]
	return ok
}

func (c *Cache) clearDeleted(orderNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deleted, orderNumber)
}

func (c *Cache) pendingDeletes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.deleted)
}

// MarkDirty flags an order whose durable write has not succeeded.
func (c *Cache) MarkDirty(orderNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[orderNumber]; ok {
		c.dirty[orderNumber] = struct{}{}
	}
}

func (c *Cache) ClearDirty(orderNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirty, orderNumber)
}

// Dirty returns the order numbers awaiting a durable write, sorted.
func (c *Cache) Dirty() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.dirty)
}

func (c *Cache) ByRestaurant(restaurantID string) []*StoredOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*StoredOrder
	for _, o := range c.orders {
		if o.RestaurantID == restaurantID {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (c *Cache) LookupPaymentLink(linkID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.byPaymentLink[linkID]
	return n, ok
}

func (c *Cache) LookupTransaction(transactionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.byTransaction[transactionID]
	return n, ok
}

// Len is the number of cached orders.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
