package orders

import "fmt"

// ValidateStock checks every cart line against a point-in-time read of the
// referenced products and returns the first violation. Lines repeating the same
// product are checked against their combined demand. A product missing from the
// read is reported as out of stock with zero available.
func ValidateStock(items []CartItem, products map[string]Product) error {
	demand := make(map[string]int, len(items))
	for i, it := range items {
		if it.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("cart.items[%d].quantity", i), Reason: "must be at least 1"}
		}
		demand[it.ProductID] += it.Quantity
	}

	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			return &OutOfStockError{ProductID: it.ProductID, Requested: demand[it.ProductID]}
		}
		if !p.InStock || demand[it.ProductID] > p.StockQuantity {
			return &OutOfStockError{ProductID: it.ProductID, Requested: demand[it.ProductID], Available: p.StockQuantity}
		}
	}
	return nil
}
