package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const idempotencyIndex = "ux_orders_user_idem"

// PGStore is the PostgreSQL implementation of Store.
type PGStore struct {
	DB        *pgxpool.Pool
	Isolation pgx.TxIsoLevel
}

func NewPGStore(db *pgxpool.Pool, isolation string) *PGStore {
	return &PGStore{DB: db, Isolation: ParseIsolation(isolation)}
}

func ParseIsolation(s string) pgx.TxIsoLevel {
	switch s {
	case "serializable":
		return pgx.Serializable
	case "repeatable_read":
		return pgx.RepeatableRead
	default:
		return pgx.ReadCommitted
	}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: s.Isolation})
	if err != nil {
		return classify("begin", err)
	}
	// rollback must reach the server even when ctx is already cancelled
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify("checkout tx", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *PGStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT id FROM orders WHERE user_id=$1 AND idempotency_key=$2`, userID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, classify("find by idempotency key", err)
	}
	return s.GetOrder(ctx, id)
}

func (s *PGStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := loadOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, classify("get order", err)
	}
	return o, nil
}

func (s *PGStore) TransitionStatus(ctx context.Context, orderID string, to Status, note string) (*Order, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify("begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, classify("lock order", err)
	}
	from := Status(current)
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, string(to)); err != nil {
		return nil, classify("update status", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, status, note, created_at)
		VALUES ($1, $2, $3, now())`, orderID, string(to), note); err != nil {
		return nil, classify("append status history", err)
	}

	o, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, classify("reload order", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit", err)
	}
	return o, nil
}

type pgTx struct{ tx pgx.Tx }

// GetCart locks the cart row so two checkouts of the same user serialize.
func (t *pgTx) GetCart(ctx context.Context, userID string) (*Cart, error) {
	cart := &Cart{UserID: userID}
	err := t.tx.QueryRow(ctx, `SELECT id FROM carts WHERE user_id=$1 FOR UPDATE`, userID).Scan(&cart.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return cart, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT product_id, quantity FROM cart_items
		WHERE cart_id=$1 ORDER BY added_at, product_id`, cart.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, err
		}
		cart.Items = append(cart.Items, it)
	}
	return cart, rows.Err()
}

func (t *pgTx) ClearItems(ctx context.Context, cartID string) (int64, error) {
	ct, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *pgTx) ReadMany(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, name, image, price::text, stock_quantity, in_stock, updated_at
		FROM products WHERE id = ANY($1)`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p     Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Image, &price, &p.StockQuantity, &p.InStock, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %s price %q: %w", p.ID, price, err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ConditionalDecrement is a compare-and-decrement; both SET expressions see the pre-update row.
func (t *pgTx) ConditionalDecrement(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2,
		    in_stock = (stock_quantity - $2) > 0,
		    updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) Insert(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total,
		  shipping_address, shipping_city, shipping_state, shipping_zip, shipping_method,
		  contact_email, contact_phone, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.UserID, string(o.Status), o.Total.String(),
		o.Shipping.Address, o.Shipping.City, o.Shipping.State, o.Shipping.ZipCode, o.Shipping.Method,
		o.Contact.Email, o.Contact.Phone, nullable(o.IdempotencyKey), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, name, image, price, quantity)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
			o.ID, it.ProductID, it.Name, it.Image, it.Price.String(), it.Quantity,
		); err != nil {
			return err
		}
	}

	for _, h := range o.History {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_status_history(order_id, status, note, created_at)
			VALUES ($1, $2, $3, $4)`,
			o.ID, string(h.Status), h.Note, h.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func loadOrder(ctx context.Context, q querier, orderID string) (*Order, error) {
	var (
		o      Order
		status string
		total  string
		idem   *string
	)
	err := q.QueryRow(ctx, `
		SELECT id, user_id, status, total::text,
		  shipping_address, shipping_city, shipping_state, shipping_zip, shipping_method,
		  contact_email, contact_phone, idempotency_key, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).Scan(
		&o.ID, &o.UserID, &status, &total,
		&o.Shipping.Address, &o.Shipping.City, &o.Shipping.State, &o.Shipping.ZipCode, &o.Shipping.Method,
		&o.Contact.Email, &o.Contact.Phone, &idem, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %s total %q: %w", o.ID, total, err)
	}
	if idem != nil {
		o.IdempotencyKey = *idem
	}

	rows, err := q.Query(ctx, `
		SELECT product_id, name, image, price::text, quantity
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		it := OrderItem{OrderID: o.ID}
		var price string
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Image, &price, &it.Quantity); err != nil {
			rows.Close()
			return nil, err
		}
		if it.Price, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return nil, fmt.Errorf("order item %s price %q: %w", it.ProductID, price, err)
		}
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT status, note, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		h := StatusHistory{OrderID: o.ID}
		var hs string
		if err := rows.Scan(&hs, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Status = Status(hs)
		o.History = append(o.History, h)
	}
	return &o, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify maps SQLSTATE codes onto the checkout error taxonomy.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s: %s", ErrConflict, op, pgErr.Message)
		case "23505": // unique_violation
			if pgErr.ConstraintName == idempotencyIndex {
				return ErrDuplicateKey
			}
		}
	}
	return Persistence(op, err)
}
