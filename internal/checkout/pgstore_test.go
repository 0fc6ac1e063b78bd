package checkout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/orders"
	pgdb "github.com/ariefcatur/storefront-checkout/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var isolationLevels = []string{"read_committed", "serializable"}

func setupPG(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("shop"),
		tcpostgres.WithUsername("app"),
		tcpostgres.WithPassword("secret"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pgdb.Connect(ctx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, pgdb.Migrate(ctx, db, zap.NewNop()))
	return db
}

// resetPG empties every table so subtests can share one container.
func resetPG(t *testing.T, db *pgxpool.Pool) {
	t.Helper()
	_, err := db.Exec(context.Background(),
		`TRUNCATE order_status_history, order_items, orders, cart_items, carts, products CASCADE`)
	require.NoError(t, err)
}

func pgProduct(t *testing.T, db *pgxpool.Pool, id string, stock int) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO products(id, name, image, price, stock_quantity, in_stock)
		VALUES ($1, $1, '/img/'||$1, 4.00, $2, $2 > 0)`, id, stock)
	require.NoError(t, err)
}

func pgCart(t *testing.T, db *pgxpool.Pool, userID string, items ...orders.CartItem) {
	t.Helper()
	ctx := context.Background()
	cartID := "cart-" + userID
	_, err := db.Exec(ctx, `INSERT INTO carts(id, user_id) VALUES ($1, $2)`, cartID, userID)
	require.NoError(t, err)
	for _, it := range items {
		_, err := db.Exec(ctx, `INSERT INTO cart_items(cart_id, product_id, quantity) VALUES ($1, $2, $3)`, cartID, it.ProductID, it.Quantity)
		require.NoError(t, err)
	}
}

func pgStock(t *testing.T, db *pgxpool.Pool, id string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), `SELECT stock_quantity FROM products WHERE id=$1`, id).Scan(&n))
	return n
}

func pgCount(t *testing.T, db *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func TestPGPlaceOrder_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	db := setupPG(t)

	const (
		users   = 12
		stockP1 = 7
		stockP2 = 5
	)

	for _, iso := range isolationLevels {
		t.Run(iso, func(t *testing.T) {
			resetPG(t, db)
			pgProduct(t, db, "P1", stockP1)
			pgProduct(t, db, "P2", stockP2)

			want := make([]int, users)
			for i := range users {
				want[i] = 1 + i%2
				p1 := orders.CartItem{ProductID: "P1", Quantity: want[i]}
				p2 := orders.CartItem{ProductID: "P2", Quantity: 1}
				// some carts list the products in the opposite order
				if i%3 == 0 {
					pgCart(t, db, fmt.Sprintf("u-%d", i), p2, p1)
				} else {
					pgCart(t, db, fmt.Sprintf("u-%d", i), p1, p2)
				}
			}

			svc := newTestService(t, orders.NewPGStore(db, iso), nil, Events{},
				Options{MaxRetries: 30, RetryBase: 5 * time.Millisecond})

			results := make([]*PlaceOrderResult, users)
			errs := make([]error, users)
			var g errgroup.Group
			for i := range users {
				g.Go(func() error {
					results[i], errs[i] = svc.PlaceOrder(context.Background(), input(fmt.Sprintf("u-%d", i), ""))
					return nil
				})
			}
			require.NoError(t, g.Wait())

			finalP1 := pgStock(t, db, "P1")
			finalP2 := pgStock(t, db, "P2")
			require.GreaterOrEqual(t, finalP1, 0)
			require.GreaterOrEqual(t, finalP2, 0)

			soldP1, soldP2 := 0, 0
			for i, err := range errs {
				user := fmt.Sprintf("u-%d", i)
				if err == nil {
					soldP1 += want[i]
					soldP2++
					assert.Zero(t, pgCount(t, db, `SELECT count(*) FROM cart_items WHERE cart_id=$1`, "cart-"+user))
					continue
				}
				require.ErrorIs(t, err, orders.ErrOutOfStock, "user %s", user)

				var oos *orders.OutOfStockError
				require.True(t, errors.As(err, &oos))
				remaining := map[string]int{"P1": finalP1, "P2": finalP2}[oos.ProductID]
				assert.Less(t, remaining, oos.Requested, "user %s lost with stock left", user)
				assert.Equal(t, 2, pgCount(t, db, `SELECT count(*) FROM cart_items WHERE cart_id=$1`, "cart-"+user),
					"loser's cart untouched")
			}

			assert.LessOrEqual(t, soldP1, stockP1)
			assert.LessOrEqual(t, soldP2, stockP2)
			assert.Equal(t, stockP1-soldP1, finalP1)
			assert.Equal(t, stockP2-soldP2, finalP2)

			committed := 0
			for _, r := range results {
				if r != nil {
					committed++
				}
			}
			assert.Equal(t, committed, pgCount(t, db, `SELECT count(*) FROM orders`))
			assert.Equal(t, soldP1, pgCount(t, db, `SELECT coalesce(sum(quantity), 0) FROM order_items WHERE product_id='P1'`))
		})
	}
}

func TestPGPlaceOrder_SameUserDoubleSubmit(t *testing.T) {
	db := setupPG(t)

	for _, iso := range isolationLevels {
		t.Run(iso, func(t *testing.T) {
			resetPG(t, db)
			pgProduct(t, db, "P1", 10)
			pgCart(t, db, "u-1", orders.CartItem{ProductID: "P1", Quantity: 3})

			svc := newTestService(t, orders.NewPGStore(db, iso), nil, Events{},
				Options{MaxRetries: 10, RetryBase: 5 * time.Millisecond})

			errs := make([]error, 2)
			var g errgroup.Group
			for i := range errs {
				g.Go(func() error {
					_, errs[i] = svc.PlaceOrder(context.Background(), input("u-1", ""))
					return nil
				})
			}
			require.NoError(t, g.Wait())

			committed, empty := 0, 0
			for _, err := range errs {
				switch {
				case err == nil:
					committed++
				case errors.Is(err, orders.ErrEmptyCart):
					empty++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, committed)
			assert.Equal(t, 1, empty)
			assert.Equal(t, 7, pgStock(t, db, "P1"))
			assert.Equal(t, 1, pgCount(t, db, `SELECT count(*) FROM orders`))
		})
	}
}

func TestPGPlaceOrder_SameKeyConcurrentReplays(t *testing.T) {
	db := setupPG(t)

	for _, iso := range isolationLevels {
		t.Run(iso, func(t *testing.T) {
			resetPG(t, db)
			pgProduct(t, db, "P1", 10)
			pgCart(t, db, "u-1", orders.CartItem{ProductID: "P1", Quantity: 3})

			svc := newTestService(t, orders.NewPGStore(db, iso), nil, Events{},
				Options{MaxRetries: 10, RetryBase: 5 * time.Millisecond})

			results := make([]*PlaceOrderResult, 4)
			var g errgroup.Group
			for i := range results {
				g.Go(func() error {
					res, err := svc.PlaceOrder(context.Background(), input("u-1", "key-1"))
					results[i] = res
					return err
				})
			}
			require.NoError(t, g.Wait())

			fresh := 0
			for _, r := range results {
				assert.Equal(t, results[0].Order.ID, r.Order.ID)
				if !r.Replayed {
					fresh++
				}
			}
			assert.Equal(t, 1, fresh)
			assert.Equal(t, 7, pgStock(t, db, "P1"))
			assert.Equal(t, 1, pgCount(t, db, `SELECT count(*) FROM orders`))
		})
	}
}
