package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validShipping() ShippingInfo {
	return ShippingInfo{Address: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701", Method: "standard"}
}

func validContact() ContactInfo {
	return ContactInfo{Email: "ann@example.com", Phone: "+1 (555) 010-0199"}
}

func TestAssemble(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	products := map[string]Product{
		"P1": {ID: "P1", Name: "Mug", Image: "/mug.png", Price: decimal.RequireFromString("10.00"), StockQuantity: 5, InStock: true},
		"P2": {ID: "P2", Name: "Tee", Image: "/tee.png", Price: decimal.RequireFromString("0.10"), StockQuantity: 50, InStock: true},
	}

	o, err := Assemble(AssembleInput{
		OrderID:        "o-1",
		UserID:         "u-1",
		Items:          []CartItem{{ProductID: "P1", Quantity: 3}, {ProductID: "P2", Quantity: 3}},
		Products:       products,
		Shipping:       validShipping(),
		Contact:        validContact(),
		IdempotencyKey: "k-1",
		Now:            now,
	})
	require.NoError(t, err)

	assert.Equal(t, "o-1", o.ID)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.True(t, o.Total.Equal(decimal.RequireFromString("30.30")), "total %s", o.Total)
	assert.Equal(t, "k-1", o.IdempotencyKey)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "Mug", o.Items[0].Name)
	assert.Equal(t, "/mug.png", o.Items[0].Image)
	assert.Equal(t, "o-1", o.Items[1].OrderID)

	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.LineTotal())
	}
	assert.True(t, sum.Equal(o.Total))

	require.Len(t, o.History, 1)
	assert.Equal(t, StatusProcessing, o.History[0].Status)
	assert.Equal(t, initialStatusNote, o.History[0].Note)
	assert.Equal(t, now, o.CreatedAt)
}

func TestAssembleSnapshotsPrice(t *testing.T) {
	products := map[string]Product{
		"P1": {ID: "P1", Name: "Mug", Price: decimal.RequireFromString("10.00"), StockQuantity: 5, InStock: true},
	}
	o, err := Assemble(AssembleInput{
		UserID:   "u-1",
		Items:    []CartItem{{ProductID: "P1", Quantity: 1}},
		Products: products,
		Shipping: validShipping(),
		Contact:  validContact(),
		Note:     "gift wrap",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "gift wrap", o.History[0].Note)

	p := products["P1"]
	p.Price = decimal.RequireFromString("99.00")
	products["P1"] = p
	assert.True(t, o.Items[0].Price.Equal(decimal.RequireFromString("10.00")))
}

func TestAssembleRejectsInput(t *testing.T) {
	products := map[string]Product{"P1": product("P1", 5)}
	items := []CartItem{{ProductID: "P1", Quantity: 1}}

	ship := validShipping()
	ship.City = "  "
	_, err := Assemble(AssembleInput{UserID: "u", Items: items, Products: products, Shipping: ship, Contact: validContact()})
	require.ErrorIs(t, err, ErrValidation)

	_, err = Assemble(AssembleInput{UserID: "u", Products: products, Shipping: validShipping(), Contact: validContact()})
	require.ErrorIs(t, err, ErrEmptyCart)

	_, err = Assemble(AssembleInput{UserID: "u", Items: []CartItem{{ProductID: "P9", Quantity: 1}}, Products: products, Shipping: validShipping(), Contact: validContact()})
	require.Error(t, err)
}

func TestCheckContact(t *testing.T) {
	tests := []struct {
		name  string
		in    ContactInfo
		field string
	}{
		{"ok", validContact(), ""},
		{"missing email", ContactInfo{Phone: "5550100199"}, "contact.email"},
		{"bad email", ContactInfo{Email: "not-an-email", Phone: "5550100199"}, "contact.email"},
		{"display name email", ContactInfo{Email: "Ann <ann@example.com>", Phone: "5550100199"}, "contact.email"},
		{"missing phone", ContactInfo{Email: "ann@example.com"}, "contact.phone"},
		{"letters in phone", ContactInfo{Email: "ann@example.com", Phone: "555-CALL-NOW"}, "contact.phone"},
		{"short phone", ContactInfo{Email: "ann@example.com", Phone: "12-34"}, "contact.phone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckContact(tt.in)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCheckShippingReportsField(t *testing.T) {
	s := validShipping()
	s.Method = ""
	var ve *ValidationError
	require.ErrorAs(t, CheckShipping(s), &ve)
	assert.Equal(t, "shipping.method", ve.Field)
}
