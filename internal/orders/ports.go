package orders

import "context"

type CartStore interface {
	// GetCart returns the user's cart and locks it for the rest of the
	// transaction. A user without a cart gets an empty cart and no error.
	GetCart(ctx context.Context, userID string) (*Cart, error)
	// ClearItems deletes every item of the cart and reports how many were removed.
	ClearItems(ctx context.Context, cartID string) (int64, error)
}

type ProductStore interface {
	ReadMany(ctx context.Context, productIDs []string) (map[string]Product, error)
	// ConditionalDecrement subtracts qty only if at least qty is on hand.
	// It returns false when the precondition does not hold.
	ConditionalDecrement(ctx context.Context, productID string, qty int) (bool, error)
}

type OrderStore interface {
	Insert(ctx context.Context, o *Order) error
}

// Tx is the write scope of a single placement attempt.
type Tx interface {
	CartStore
	ProductStore
	OrderStore
}

// Store opens transactions and serves order reads.
type Store interface {
	// InTx runs fn in one atomic unit; any error from fn rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// TransitionStatus moves the order to a new status and appends a history row atomically.
	TransitionStatus(ctx context.Context, orderID string, to Status, note string) (*Order, error)
}
