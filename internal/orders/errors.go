package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrEmptyCart   = errors.New("cart is empty")
	ErrOutOfStock  = errors.New("out of stock")
	ErrConflict    = errors.New("storage conflict")
	ErrPersistence = errors.New("persistence failure")

	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateKey signals that an order with the same (user, idempotency key)
	// was committed concurrently. Callers resolve it by looking the order up.
	ErrDuplicateKey = errors.New("idempotency key already used")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// OutOfStockError names the first cart line that could not be satisfied.
type OutOfStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: product %s (requested %d, available %d)", e.ProductID, e.Requested, e.Available)
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }

// Persistence wraps an unexpected storage error. Already-classified errors pass through.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrInvalidTransition):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
