package orders

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const initialStatusNote = "order placed"

type AssembleInput struct {
	OrderID        string
	UserID         string
	Items          []CartItem
	Products       map[string]Product
	Shipping       ShippingInfo
	Contact        ContactInfo
	Note           string
	IdempotencyKey string
	Now            time.Time
}

// CheckShipping rejects missing or malformed shipping fields.
func CheckShipping(s ShippingInfo) error {
	required := []struct{ field, value string }{
		{"shipping.address", s.Address},
		{"shipping.city", s.City},
		{"shipping.state", s.State},
		{"shipping.zip_code", s.ZipCode},
		{"shipping.method", s.Method},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	return nil
}

// CheckContact rejects a missing or malformed email or phone.
func CheckContact(c ContactInfo) error {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return &ValidationError{Field: "contact.email", Reason: "is required"}
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return &ValidationError{Field: "contact.email", Reason: "is malformed"}
	}
	phone := strings.TrimSpace(c.Phone)
	if phone == "" {
		return &ValidationError{Field: "contact.phone", Reason: "is required"}
	}
	digits := 0
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-() .", r):
		default:
			return &ValidationError{Field: "contact.phone", Reason: "is malformed"}
		}
	}
	if digits < 7 {
		return &ValidationError{Field: "contact.phone", Reason: "is malformed"}
	}
	return nil
}

// Assemble builds the order aggregate from a validated cart. Item name, image
// and price are copied from the product read, and the total is the exact sum
// of price x quantity. No I/O.
func Assemble(in AssembleInput) (*Order, error) {
	if err := CheckShipping(in.Shipping); err != nil {
		return nil, err
	}
	if err := CheckContact(in.Contact); err != nil {
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, ErrEmptyCart
	}

	orderID := in.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	items := make([]OrderItem, 0, len(in.Items))
	total := decimal.Zero
	for _, ci := range in.Items {
		p, ok := in.Products[ci.ProductID]
		if !ok {
			return nil, fmt.Errorf("assemble: no snapshot for product %s", ci.ProductID)
		}
		it := OrderItem{
			OrderID:   orderID,
			ProductID: p.ID,
			Name:      p.Name,
			Image:     p.Image,
			Price:     p.Price,
			Quantity:  ci.Quantity,
		}
		total = total.Add(it.LineTotal())
		items = append(items, it)
	}

	note := strings.TrimSpace(in.Note)
	if note == "" {
		note = initialStatusNote
	}

	return &Order{
		ID:             orderID,
		UserID:         in.UserID,
		Status:         StatusProcessing,
		Total:          total,
		Shipping:       in.Shipping,
		Contact:        in.Contact,
		IdempotencyKey: in.IdempotencyKey,
		Items:          items,
		History: []StatusHistory{{
			OrderID:   orderID,
			Status:    StatusProcessing,
			Note:      note,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
