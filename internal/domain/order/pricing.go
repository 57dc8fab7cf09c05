package order

import (
	"github.com/shopspring/decimal"
)

// Totals is the frozen price breakdown of an order.
// Total = Subtotal + Tax + Shipping - Discount.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Line is a priced quantity of one product.
type Line struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// Pricing holds the store-wide tax rate and flat shipping cost.
type Pricing struct {
	TaxRate      decimal.Decimal
	ShippingCost decimal.Decimal
}

// DefaultPricing is 10% tax on the subtotal and 10.00 flat shipping.
var DefaultPricing = Pricing{
	TaxRate:      decimal.RequireFromString("0.10"),
	ShippingCost: decimal.RequireFromString("10.00"),
}

// Subtotal returns the sum of quantity * unit price.
func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// Price computes the totals for lines with the given discount. Tax is taken
// on the pre-discount subtotal. The discount is clamped to [0, subtotal +
// shipping] so the total can never go below the tax amount.
func (p Pricing) Price(lines []Line, discount decimal.Decimal) Totals {
	subtotal := Subtotal(lines).Round(2)
	tax := subtotal.Mul(p.TaxRate).Round(2)
	shipping := p.ShippingCost.Round(2)

	maxDiscount := subtotal.Add(shipping)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	discount = decimal.Min(discount, maxDiscount).Round(2)

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    subtotal.Add(tax).Add(shipping).Sub(discount),
	}
}

// BuildItems turns lines into order items, resolving product names.
func BuildItems(lines []Line, names map[int64]string) []Item {
	items := make([]Item, len(lines))
	for i, l := range lines {
		items[i] = Item{
			ProductID:   l.ProductID,
			ProductName: names[l.ProductID],
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2),
		}
	}
	return items
}
