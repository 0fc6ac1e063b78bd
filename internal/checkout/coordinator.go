package checkout

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase is the coordinator state of one placement attempt.
type Phase string

const (
	PhasePendingValidation Phase = "PENDING_VALIDATION"
	PhaseReserved          Phase = "RESERVED"
	PhaseCommitted         Phase = "COMMITTED"
	PhaseAborted           Phase = "ABORTED"
)

type Attempt struct {
	UserID         string
	Shipping       orders.ShippingInfo
	Contact        orders.ContactInfo
	Note           string
	IdempotencyKey string
}

// Coordinator turns a cart into a committed order. Validation, stock
// decrements, the order insert and the cart clear share one transaction;
// any failure aborts all of it.
type Coordinator struct {
	store orders.Store
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

func NewCoordinator(store orders.Store, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

func (c *Coordinator) Commit(ctx context.Context, a Attempt) (*orders.Order, error) {
	phase := PhasePendingValidation
	var placed *orders.Order

	err := c.store.InTx(ctx, func(tx orders.Tx) error {
		phase = PhasePendingValidation
		placed = nil

		cart, err := tx.GetCart(ctx, a.UserID)
		if err != nil {
			return err
		}
		if len(cart.Items) == 0 {
			return orders.ErrEmptyCart
		}

		products, err := tx.ReadMany(ctx, cart.ProductIDs())
		if err != nil {
			return err
		}
		if err := orders.ValidateStock(cart.Items, products); err != nil {
			return err
		}

		phase = PhaseReserved
		for _, it := range lockOrder(cart.Items) {
			ok, err := tx.ConditionalDecrement(ctx, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				// lost the race to a concurrent checkout after our read
				return &orders.OutOfStockError{ProductID: it.ProductID, Requested: it.Quantity}
			}
		}

		order, err := orders.Assemble(orders.AssembleInput{
			OrderID:        c.newID(),
			UserID:         a.UserID,
			Items:          cart.Items,
			Products:       products,
			Shipping:       a.Shipping,
			Contact:        a.Contact,
			Note:           a.Note,
			IdempotencyKey: a.IdempotencyKey,
			Now:            c.now(),
		})
		if err != nil {
			return err
		}
		if err := tx.Insert(ctx, order); err != nil {
			return err
		}

		n, err := tx.ClearItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		if n != int64(len(cart.Items)) {
			return fmt.Errorf("%w: cart %s changed during checkout (%d of %d lines removed)", orders.ErrConflict, cart.ID, n, len(cart.Items))
		}

		placed = order
		return nil
	})
	if err != nil {
		c.log.Debug("checkout aborted",
			zap.String("user_id", a.UserID),
			zap.String("phase_at_abort", string(phase)),
			zap.String("phase", string(PhaseAborted)),
			zap.Error(err),
		)
		return nil, err
	}

	c.log.Debug("checkout committed",
		zap.String("user_id", a.UserID),
		zap.String("order_id", placed.ID),
		zap.String("phase", string(PhaseCommitted)),
	)
	return placed, nil
}

// lockOrder returns the lines sorted by product id. Every checkout takes
// product row locks in this order, so two carts never wait on each other.
func lockOrder(items []orders.CartItem) []orders.CartItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b orders.CartItem) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out
}
