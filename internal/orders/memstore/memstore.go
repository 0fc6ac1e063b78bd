// Package memstore is an in-process orders.Store. Each InTx holds the store
// lock for its whole duration and restores a snapshot when fn fails, which
// gives the same all-or-nothing contract as the PostgreSQL store.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu       sync.Mutex
	products map[string]orders.Product
	carts    map[string]*orders.Cart // by user id
	orders   map[string]*orders.Order
	idem     map[string]string // user|key -> order id
	now      func() time.Time
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		products: make(map[string]orders.Product),
		carts:    make(map[string]*orders.Cart),
		orders:   make(map[string]*orders.Order),
		idem:     make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutProduct creates or replaces a product; InStock is derived from StockQuantity.
func (s *Store) PutProduct(id, name string, price decimal.Decimal, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[id] = orders.Product{
		ID:            id,
		Name:          name,
		Image:         "/img/" + id + ".png",
		Price:         price,
		StockQuantity: stock,
		InStock:       stock > 0,
		UpdatedAt:     s.now(),
	}
}

// SetPrice changes a product's price without touching stock.
func (s *Store) SetPrice(id string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.products[id]
	p.Price = price
	s.products[id] = p
}

// AddToCart creates the user's cart lazily and adds qty of the product.
func (s *Store) AddToCart(userID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[userID]
	if !ok {
		c = &orders.Cart{ID: uuid.NewString(), UserID: userID}
		s.carts[userID] = c
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity += qty
			return
		}
	}
	c.Items = append(c.Items, orders.CartItem{ProductID: productID, Quantity: qty})
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

func (s *Store) CartItems(userID string) []orders.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[userID]
	if !ok {
		return nil
	}
	return append([]orders.CartItem(nil), c.Items...)
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return orders.Persistence("begin", err)
	}
	snap := s.snapshot()
	if err := fn(&tx{s: s}); err != nil {
		s.restore(snap)
		return orders.Persistence("checkout tx", err)
	}
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return orders.Persistence("commit", err)
	}
	return nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, userID, key string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idem[idemKey(userID, key)]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) TransitionStatus(_ context.Context, orderID string, to orders.Status, note string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	if !orders.CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, o.Status, to)
	}
	now := s.now()
	o.Status = to
	o.UpdatedAt = now
	o.History = append(o.History, orders.StatusHistory{OrderID: orderID, Status: to, Note: note, CreatedAt: now})
	return cloneOrder(o), nil
}

type state struct {
	products map[string]orders.Product
	carts    map[string]*orders.Cart
	orders   map[string]*orders.Order
	idem     map[string]string
}

func (s *Store) snapshot() state {
	st := state{
		products: make(map[string]orders.Product, len(s.products)),
		carts:    make(map[string]*orders.Cart, len(s.carts)),
		orders:   make(map[string]*orders.Order, len(s.orders)),
		idem:     make(map[string]string, len(s.idem)),
	}
	for k, v := range s.products {
		st.products[k] = v
	}
	for k, v := range s.carts {
		c := *v
		c.Items = append([]orders.CartItem(nil), v.Items...)
		st.carts[k] = &c
	}
	for k, v := range s.orders {
		st.orders[k] = v
	}
	for k, v := range s.idem {
		st.idem[k] = v
	}
	return st
}

func (s *Store) restore(st state) {
	s.products = st.products
	s.carts = st.carts
	s.orders = st.orders
	s.idem = st.idem
}

// tx runs with Store.mu held.
type tx struct{ s *Store }

func (t *tx) GetCart(_ context.Context, userID string) (*orders.Cart, error) {
	c, ok := t.s.carts[userID]
	if !ok {
		return &orders.Cart{UserID: userID}, nil
	}
	out := *c
	out.Items = append([]orders.CartItem(nil), c.Items...)
	return &out, nil
}

func (t *tx) ClearItems(_ context.Context, cartID string) (int64, error) {
	for _, c := range t.s.carts {
		if c.ID == cartID {
			n := int64(len(c.Items))
			c.Items = nil
			return n, nil
		}
	}
	return 0, nil
}

func (t *tx) ReadMany(_ context.Context, productIDs []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) ConditionalDecrement(_ context.Context, productID string, qty int) (bool, error) {
	p, ok := t.s.products[productID]
	if !ok || p.StockQuantity < qty {
		return false, nil
	}
	p.StockQuantity -= qty
	p.InStock = p.StockQuantity > 0
	p.UpdatedAt = t.s.now()
	t.s.products[productID] = p
	return true, nil
}

func (t *tx) Insert(_ context.Context, o *orders.Order) error {
	if _, dup := t.s.orders[o.ID]; dup {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.IdempotencyKey != "" {
		k := idemKey(o.UserID, o.IdempotencyKey)
		if _, dup := t.s.idem[k]; dup {
			return orders.ErrDuplicateKey
		}
		t.s.idem[k] = o.ID
	}
	t.s.orders[o.ID] = cloneOrder(o)
	return nil
}

func idemKey(userID, key string) string { return userID + "|" + key }

func cloneOrder(o *orders.Order) *orders.Order {
	c := *o
	c.Items = append([]orders.OrderItem(nil), o.Items...)
	c.History = append([]orders.StatusHistory(nil), o.History...)
	return &c
}
