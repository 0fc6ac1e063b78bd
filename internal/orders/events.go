package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type OrderPlacedPayload struct {
	OrderID        string      `json:"order_id"`
	UserID         string      `json:"user_id"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Status         Status      `json:"status"`
	Items          []ItemPrice `json:"items"`
	Total          string      `json:"total"`
	PlacedAt       time.Time   `json:"placed_at"`
}

type OrderStatusChangedPayload struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	From      Status    `json:"from,omitempty"`
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

func NewOrderPlacedPayload(o *Order) OrderPlacedPayload {
	items := make([]ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemPrice{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price.StringFixed(2)})
	}
	return OrderPlacedPayload{
		OrderID:        o.ID,
		UserID:         o.UserID,
		IdempotencyKey: o.IdempotencyKey,
		Status:         o.Status,
		Items:          items,
		Total:          o.Total.StringFixed(2),
		PlacedAt:       o.CreatedAt,
	}
}
