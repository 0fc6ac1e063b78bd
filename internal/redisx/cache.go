package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
)

// putStatusScript keeps order_status:{id} as a hash {rev, doc}. rev is the
// zero-padded UnixNano of updated_at, so string order equals time order and
// the compare happens on the server.
var putStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rev')
if cur and cur > ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'doc', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Cache is the Redis read side of checkout: replay shortcuts, order status
// and consumer dedup markers.
type Cache struct {
	rdb redis.UniversalClient
}

func NewCache(rdb redis.UniversalClient) *Cache { return &Cache{rdb: rdb} }

func (c *Cache) LookupOrder(ctx context.Context, userID, key string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

func (c *Cache) RememberOrder(ctx context.Context, userID, key, orderID string) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key), orderID, TTLIdempotency).Err()
}

// PutStatus stores s unless the cached entry is newer, so replayed or
// reordered events cannot move the cache backwards.
func (c *Cache) PutStatus(ctx context.Context, s orders.StatusSnapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return putStatusScript.Run(ctx, c.rdb,
		[]string{fmt.Sprintf(KeyOrderStatus, s.OrderID)},
		statusRev(s.UpdatedAt), string(b), TTLStatusCache.Milliseconds(),
	).Err()
}

func (c *Cache) GetStatus(ctx context.Context, orderID string) (orders.StatusSnapshot, bool, error) {
	var s orders.StatusSnapshot
	b, err := c.rdb.HGet(ctx, fmt.Sprintf(KeyOrderStatus, orderID), "doc").Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false, fmt.Errorf("decode status %s: %w", orderID, err)
	}
	return s, true, nil
}

// MarkProcessed records eventID for consumer and reports whether this is the
// first time it was seen.
func (c *Cache) MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, consumer, eventID), time.Now().UTC().Format(time.RFC3339), TTLDedup).Result()
}

// ForgetProcessed drops a dedup marker so a failed event can be retried.
func (c *Cache) ForgetProcessed(ctx context.Context, consumer, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyDedup, consumer, eventID)).Err()
}

func statusRev(t time.Time) string {
	ns := int64(0)
	if t.Unix() > 0 {
		ns = t.UnixNano()
	}
	return fmt.Sprintf("%020d", ns)
}
