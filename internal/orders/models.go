package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog row as seen by checkout. Only StockQuantity is
// ever written from here.
type Product struct {
	ID            string
	Name          string
	Image         string
	Price         decimal.Decimal
	StockQuantity int
	InStock       bool
	UpdatedAt     time.Time
}

type Cart struct {
	ID     string
	UserID string
	Items  []CartItem
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ProductIDs returns the distinct product ids referenced by the cart, in cart order.
func (c *Cart) ProductIDs() []string {
	seen := make(map[string]struct{}, len(c.Items))
	out := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		out = append(out, it.ProductID)
	}
	return out
}

type ShippingInfo struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Method  string `json:"method"`
}

type ContactInfo struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Order struct {
	ID             string
	UserID         string
	Status         Status
	Total          decimal.Decimal
	Shipping       ShippingInfo
	Contact        ContactInfo
	IdempotencyKey string
	Items          []OrderItem
	History        []StatusHistory
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderItem is a snapshot of the product at purchase time.
type OrderItem struct {
	OrderID   string
	ProductID string
	Name      string
	Image     string
	Price     decimal.Decimal
	Quantity  int
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type StatusHistory struct {
	OrderID   string
	Status    Status
	Note      string
	CreatedAt time.Time
}
