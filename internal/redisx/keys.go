package redisx

import "time"

const (
	// Checkout replay shortcut: idem:checkout:{user_id}:{idempotency_key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Order status cache: hash order_status:{order_id} -> rev (updated_at), doc (snapshot JSON)
	KeyOrderStatus = "order_status:%s"

	// Event dedup per consumer: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
