package product

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = apperr.NotFound("product_not_found", "product not found")
	// ErrInsufficientStock is returned when a hold cannot be placed.
	ErrInsufficientStock = apperr.Conflict("insufficient_stock", "insufficient stock")
)

// Product is the slice of the catalog the checkout needs: identity, current
// price and the stock counters.
type Product struct {
	ID            int64
	Name          string
	Price         decimal.Decimal
	StockQuantity int
	StockReserved int
}

// Available returns the units not held by pending orders.
func (p *Product) Available() int {
	return p.StockQuantity - p.StockReserved
}

// Repository defines read operations for the catalog.
type Repository interface {
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
}

// Index maps products by id.
func Index(products []Product) map[int64]Product {
	out := make(map[int64]Product, len(products))
	for _, p := range products {
		out[p.ID] = p
	}
	return out
}
