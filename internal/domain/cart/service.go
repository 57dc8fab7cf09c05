package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Service validates cart mutations before handing them to the Store.
type Service struct {
	store   Store
	catalog Catalog
}

// NewService creates a cart Service.
func NewService(store Store, catalog Catalog) *Service {
	return &Service{store: store, catalog: catalog}
}

// Get returns the user's cart.
func (s *Service) Get(ctx context.Context, userID int64) (*Cart, error) {
	c, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	return c, nil
}

// Add puts quantity units of a product into the cart at the given price.
// The price must equal the catalog price at this moment; it is then frozen
// in the cart and not checked again.
func (s *Service) Add(ctx context.Context, userID int64, item Item) (Item, error) {
	if item.Quantity <= 0 {
		return Item{}, ErrInvalidQuantity
	}

	prices, err := s.catalog.Prices(ctx, []int64{item.ProductID})
	if err != nil {
		return Item{}, errors.Wrap(err, "lookup price")
	}
	current, ok := prices[item.ProductID]
	if !ok {
		return Item{}, ErrUnknownProduct
	}
	if !item.UnitPrice.Equal(current) {
		return Item{}, ErrPriceMismatch.WithMessage(
			"price " + item.UnitPrice.StringFixed(2) + " does not match catalog price " + current.StringFixed(2))
	}
	item.UnitPrice = current.Round(2)

	stored, err := s.store.Add(ctx, userID, item)
	if err != nil {
		return Item{}, errors.Wrap(err, "add to cart")
	}
	return stored, nil
}

// SetQuantity changes the quantity of a line already in the cart. A quantity
// of zero removes the line.
func (s *Service) SetQuantity(ctx context.Context, userID, productID int64, quantity int) error {
	switch {
	case quantity < 0:
		return ErrInvalidQuantity
	case quantity == 0:
		return s.Remove(ctx, userID, productID)
	}
	if err := s.store.SetQuantity(ctx, userID, productID, quantity); err != nil {
		return errors.Wrap(err, "update cart item")
	}
	return nil
}

// Remove deletes a line from the cart.
func (s *Service) Remove(ctx context.Context, userID, productID int64) error {
	if err := s.store.Remove(ctx, userID, productID); err != nil {
		return errors.Wrap(err, "remove cart item")
	}
	return nil
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	if err := s.store.Clear(ctx, userID); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

// FromItems builds a cart snapshot from explicit items, merging duplicate
// products. It is used when a checkout supplies its items directly.
func FromItems(userID int64, items []Item) (*Cart, error) {
	c := &Cart{UserID: userID}
	index := make(map[int64]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if it.UnitPrice.IsNegative() {
			return nil, ErrPriceMismatch.WithMessage("price must not be negative")
		}
		if i, ok := index[it.ProductID]; ok {
			c.Items[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(c.Items)
		c.Items = append(c.Items, Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice.Round(2)})
	}
	return c, nil
}

// Total is a convenience for handlers rendering a cart.
func Total(c *Cart) decimal.Decimal {
	if c.Empty() {
		return decimal.Zero
	}
	return c.Subtotal().Round(2)
}
