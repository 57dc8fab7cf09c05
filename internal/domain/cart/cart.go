// Package cart holds each shopper's in-progress basket. Carts live in an
// ephemeral store with a rolling expiry and carry a unit-price snapshot taken
// when the item was added.
package cart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// TTL is how long a cart survives without writes. Every write resets it.
const TTL = 7 * 24 * time.Hour

// Sentinel errors for cart operations.
var (
	ErrEmpty           = apperr.Validation("empty_cart", "cart is empty")
	ErrItemNotFound    = apperr.NotFound("cart_item_not_found", "item not found in cart")
	ErrInvalidQuantity = apperr.Validation("invalid_quantity", "quantity must be greater than 0")
	ErrPriceMismatch   = apperr.Validation("price_mismatch", "price does not match the catalog")
	ErrUnknownProduct  = product.ErrNotFound
)

// Item is one product line in a cart.
type Item struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// Cart is a user's basket.
type Cart struct {
	UserID int64
	Items  []Item
}

// Empty reports whether the cart has no items.
func (c *Cart) Empty() bool {
	return c == nil || len(c.Items) == 0
}

// Subtotal returns the sum of quantity * unit price snapshot.
func (c *Cart) Subtotal() decimal.Decimal {
	return order.Subtotal(c.Lines())
}

// Lines converts the cart into pricing lines.
func (c *Cart) Lines() []order.Line {
	lines := make([]order.Line, len(c.Items))
	for i, it := range c.Items {
		lines[i] = order.Line{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return lines
}

// Store persists carts. Implementations must make each call atomic per user
// and reset the expiry on every write.
type Store interface {
	// Get returns the user's cart; a missing cart is an empty cart.
	Get(ctx context.Context, userID int64) (*Cart, error)
	// Add merges item into the cart, adding to the quantity of an existing
	// line and keeping that line's original price snapshot.
	Add(ctx context.Context, userID int64, item Item) (Item, error)
	// SetQuantity replaces the quantity of an existing line.
	SetQuantity(ctx context.Context, userID, productID int64, quantity int) error
	Remove(ctx context.Context, userID, productID int64) error
	// Take lowers a line's quantity by quantity, deleting the line once
	// nothing is left. A missing line is not an error.
	Take(ctx context.Context, userID, productID int64, quantity int) error
	Clear(ctx context.Context, userID int64) error
}

// Catalog resolves current catalog prices.
type Catalog interface {
	Prices(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error)
}
