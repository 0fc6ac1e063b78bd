package checkout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/ariefcatur/storefront-checkout/internal/orders/memstore"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func shipping() orders.ShippingInfo {
	return orders.ShippingInfo{Address: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701", Method: "standard"}
}

func contact() orders.ContactInfo {
	return orders.ContactInfo{Email: "ann@example.com", Phone: "+1 555 010 0199"}
}

func input(userID, key string) PlaceOrderInput {
	return PlaceOrderInput{UserID: userID, Shipping: shipping(), Contact: contact(), IdempotencyKey: key}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, store orders.Store, cache Cache, events Events, opts Options) *Service {
	t.Helper()
	if opts.RetryBase == 0 {
		opts.RetryBase = 1
	}
	return NewService(store, cache, events, NewMetrics(prometheus.NewRegistry()), zap.NewNop(), opts)
}

// conflictStore fails the first n transactions with a storage conflict.
type conflictStore struct {
	orders.Store
	failures int32
	calls    atomic.Int32
}

func (s *conflictStore) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	if s.calls.Add(1) <= s.failures {
		return fmt.Errorf("%w: could not serialize access", orders.ErrConflict)
	}
	return s.Store.InTx(ctx, fn)
}

// countingStore counts transactions opened.
type countingStore struct {
	orders.Store
	calls atomic.Int32
}

func (s *countingStore) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	s.calls.Add(1)
	return s.Store.InTx(ctx, fn)
}

// txWrapStore lets a test replace parts of the transaction.
type txWrapStore struct {
	orders.Store
	wrap func(orders.Tx) orders.Tx
}

func (s *txWrapStore) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return s.Store.InTx(ctx, func(tx orders.Tx) error { return fn(s.wrap(tx)) })
}

// lostRaceTx behaves as if another checkout drained stock after our read.
type lostRaceTx struct{ orders.Tx }

func (lostRaceTx) ConditionalDecrement(context.Context, string, int) (bool, error) {
	return false, nil
}

// shortClearTx removes one cart line fewer than the coordinator read.
type shortClearTx struct{ orders.Tx }

func (t shortClearTx) ClearItems(ctx context.Context, cartID string) (int64, error) {
	n, err := t.Tx.ClearItems(ctx, cartID)
	return n - 1, err
}

// missFirstLookupStore hides the first idempotency hit, as when two
// requests with the same key pass the replay check together.
type missFirstLookupStore struct {
	*memstore.Store
	missed atomic.Bool
}

func (s *missFirstLookupStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*orders.Order, error) {
	if s.missed.CompareAndSwap(false, true) {
		return nil, orders.ErrOrderNotFound
	}
	return s.Store.FindByIdempotencyKey(ctx, userID, key)
}

type memCache struct {
	mu       sync.Mutex
	keys     map[string]string
	statuses map[string]orders.StatusSnapshot
}

func newMemCache() *memCache {
	return &memCache{keys: map[string]string{}, statuses: map[string]orders.StatusSnapshot{}}
}

func (c *memCache) LookupOrder(_ context.Context, userID, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.keys[userID+"|"+key]
	return id, ok, nil
}

func (c *memCache) RememberOrder(_ context.Context, userID, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userID+"|"+key] = orderID
	return nil
}

func (c *memCache) PutStatus(_ context.Context, s orders.StatusSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[s.OrderID] = s
	return nil
}

func (c *memCache) GetStatus(_ context.Context, orderID string) (orders.StatusSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[orderID]
	return s, ok, nil
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	err  error
}

func (p *capturePublisher) Publish(key, value []byte, headers ...kafkago.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func (p *capturePublisher) messages() []kafkago.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafkago.Message(nil), p.msgs...)
}

// recordingTx remembers the order of decrements.
type recordingTx struct {
	orders.Tx
	mu  *sync.Mutex
	ids *[]string
}

func (t recordingTx) ConditionalDecrement(ctx context.Context, productID string, qty int) (bool, error) {
	t.mu.Lock()
	*t.ids = append(*t.ids, productID)
	t.mu.Unlock()
	return t.Tx.ConditionalDecrement(ctx, productID, qty)
}
