package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type step struct {
	name string
	sql  string
}

// Statements are idempotent so Migrate can run on every start.
var steps = []step{
	{"products", `
CREATE TABLE IF NOT EXISTS products (
  id             text PRIMARY KEY,
  name           text NOT NULL,
  image          text NOT NULL DEFAULT '',
  price          numeric(12,2) NOT NULL,
  stock_quantity integer NOT NULL,
  in_stock       boolean NOT NULL DEFAULT false,
  created_at     timestamptz NOT NULL DEFAULT now(),
  updated_at     timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT chk_products_price_non_negative CHECK (price >= 0),
  CONSTRAINT chk_products_stock_non_negative CHECK (stock_quantity >= 0)
)`},
	{"carts", `
CREATE TABLE IF NOT EXISTS carts (
  id         text PRIMARY KEY,
  user_id    text NOT NULL UNIQUE,
  created_at timestamptz NOT NULL DEFAULT now()
)`},
	{"cart_items", `
CREATE TABLE IF NOT EXISTS cart_items (
  cart_id    text NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
  product_id text NOT NULL REFERENCES products(id),
  quantity   integer NOT NULL,
  added_at   timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (cart_id, product_id),
  CONSTRAINT chk_cart_items_quantity_positive CHECK (quantity >= 1)
)`},
	{"orders", `
CREATE TABLE IF NOT EXISTS orders (
  id               text PRIMARY KEY,
  user_id          text NOT NULL,
  status           text NOT NULL,
  total            numeric(12,2) NOT NULL,
  shipping_address text NOT NULL,
  shipping_city    text NOT NULL,
  shipping_state   text NOT NULL,
  shipping_zip     text NOT NULL,
  shipping_method  text NOT NULL,
  contact_email    text NOT NULL,
  contact_phone    text NOT NULL,
  idempotency_key  text,
  created_at       timestamptz NOT NULL DEFAULT now(),
  updated_at       timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT chk_orders_status_allowed CHECK (status IN ('processing','shipped','delivered','cancelled')),
  CONSTRAINT chk_orders_total_non_negative CHECK (total >= 0)
)`},
	{"ux_orders_user_idem", `
CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_user_idem
ON orders (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`},
	{"ix_orders_user_created", `
CREATE INDEX IF NOT EXISTS ix_orders_user_created ON orders (user_id, created_at DESC)`},
	{"order_items", `
CREATE TABLE IF NOT EXISTS order_items (
  id         bigserial PRIMARY KEY,
  order_id   text NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  product_id text NOT NULL,
  name       text NOT NULL,
  image      text NOT NULL DEFAULT '',
  price      numeric(12,2) NOT NULL,
  quantity   integer NOT NULL,
  CONSTRAINT chk_order_items_quantity_positive CHECK (quantity >= 1),
  CONSTRAINT chk_order_items_price_non_negative CHECK (price >= 0)
)`},
	{"ix_order_items_order", `
CREATE INDEX IF NOT EXISTS ix_order_items_order ON order_items (order_id)`},
	{"order_status_history", `
CREATE TABLE IF NOT EXISTS order_status_history (
  id         bigserial PRIMARY KEY,
  order_id   text NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  status     text NOT NULL,
  note       text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
)`},
	{"ix_order_status_history_order", `
CREATE INDEX IF NOT EXISTS ix_order_status_history_order ON order_status_history (order_id, id)`},
}

func Migrate(ctx context.Context, db *pgxpool.Pool, log *zap.Logger) error {
	log.Info("migrating checkout schema", zap.Int("steps", len(steps)))
	for _, s := range steps {
		if _, err := db.Exec(ctx, s.sql); err != nil {
			log.Error("migration step failed", zap.String("step", s.name), zap.Error(err))
			return fmt.Errorf("migrate %s: %w", s.name, err)
		}
		log.Debug("migration step applied", zap.String("step", s.name))
	}
	log.Info("checkout schema ready")
	return nil
}
