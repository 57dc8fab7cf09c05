package coupon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Rejection messages shown to the shopper.
const (
	msgNotFound   = "Coupon code not found or expired"
	msgExpired    = "This coupon has expired"
	msgExhausted  = "This coupon has reached its usage limit"
	msgMinimumFmt = "Minimum order amount is $%s"
	msgAppliedFmt = "Coupon applied! You save $%s"
)

// Result is the outcome of applying a coupon to an order total. A rejected
// coupon is a normal result with Valid=false, not an error.
type Result struct {
	Valid    bool
	Message  string
	Discount decimal.Decimal
	Rule     *Rule
}

func rejected(msg string) Result {
	return Result{Message: msg, Discount: decimal.Zero}
}

// Evaluate checks rule against the order total at time now and computes the
// discount. shippingCost is the credit granted by free-shipping coupons.
func Evaluate(rule *Rule, orderTotal, shippingCost decimal.Decimal, now time.Time) Result {
	if rule == nil || !rule.Active {
		return rejected(msgNotFound)
	}
	if rule.ExpiresAt != nil && now.After(*rule.ExpiresAt) {
		return rejected(msgExpired)
	}
	if rule.Exhausted() {
		return rejected(msgExhausted)
	}
	if orderTotal.LessThan(rule.MinOrderAmount) {
		return rejected(fmt.Sprintf(msgMinimumFmt, rule.MinOrderAmount.StringFixed(2)))
	}

	amount := discountFor(rule, orderTotal, shippingCost)
	return Result{
		Valid:    true,
		Message:  fmt.Sprintf(msgAppliedFmt, amount.StringFixed(2)),
		Discount: amount,
		Rule:     rule,
	}
}

func discountFor(rule *Rule, orderTotal, shippingCost decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch rule.DiscountType {
	case DiscountPercentage:
		amount = orderTotal.Mul(rule.Value).Div(hundred)
		if rule.MaxDiscount.Valid {
			amount = decimal.Min(amount, rule.MaxDiscount.Decimal)
		}
	case DiscountFixed:
		amount = decimal.Min(rule.Value, orderTotal)
	case DiscountFreeShipping:
		amount = shippingCost
	}
	return floorAtZero(amount).Round(2)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
