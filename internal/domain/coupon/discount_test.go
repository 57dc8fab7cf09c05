package coupon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func intPtr(v int) *int { return &v }

func TestEvaluate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	shipping := d("10.00")

	tests := []struct {
		name        string
		rule        *Rule
		total       string
		wantValid   bool
		wantAmount  string
		wantMessage string
	}{
		{
			name:        "percentage capped by max discount",
			rule:        &Rule{Code: "HALF", DiscountType: DiscountPercentage, Value: d("50"), MaxDiscount: decimal.NewNullDecimal(d("20")), Active: true},
			total:       "100",
			wantValid:   true,
			wantAmount:  "20",
			wantMessage: "Coupon applied! You save $20.00",
		},
		{
			name:       "percentage without cap",
			rule:       &Rule{Code: "SAVE10", DiscountType: DiscountPercentage, Value: d("10"), Active: true},
			total:      "50.00",
			wantValid:  true,
			wantAmount: "5.00",
		},
		{
			name:       "percentage rounds to cents",
			rule:       &Rule{Code: "P15", DiscountType: DiscountPercentage, Value: d("15"), Active: true},
			total:      "33.33",
			wantValid:  true,
			wantAmount: "5.00",
		},
		{
			name:       "fixed exceeding total clamps to total",
			rule:       &Rule{Code: "FLAT30", DiscountType: DiscountFixed, Value: d("30"), Active: true},
			total:      "10",
			wantValid:  true,
			wantAmount: "10",
		},
		{
			name:       "fixed below total",
			rule:       &Rule{Code: "FLAT5", DiscountType: DiscountFixed, Value: d("5"), Active: true},
			total:      "40",
			wantValid:  true,
			wantAmount: "5",
		},
		{
			name:       "free shipping credits shipping cost",
			rule:       &Rule{Code: "SHIPFREE", DiscountType: DiscountFreeShipping, Active: true},
			total:      "12",
			wantValid:  true,
			wantAmount: "10.00",
		},
		{
			name:        "expired",
			rule:        &Rule{Code: "OLD", DiscountType: DiscountFixed, Value: d("5"), Active: true, ExpiresAt: &past},
			total:       "100",
			wantMessage: "This coupon has expired",
		},
		{
			name:       "not yet expired",
			rule:       &Rule{Code: "SOON", DiscountType: DiscountFixed, Value: d("5"), Active: true, ExpiresAt: &future},
			total:      "100",
			wantValid:  true,
			wantAmount: "5",
		},
		{
			name:        "inactive",
			rule:        &Rule{Code: "OFF", DiscountType: DiscountFixed, Value: d("5")},
			total:       "100",
			wantMessage: "Coupon code not found or expired",
		},
		{
			name:        "usage limit reached",
			rule:        &Rule{Code: "LIM", DiscountType: DiscountFixed, Value: d("5"), Active: true, UsageLimit: intPtr(3), UsageCount: 3},
			total:       "100",
			wantMessage: "This coupon has reached its usage limit",
		},
		{
			name:        "below minimum order",
			rule:        &Rule{Code: "MIN", DiscountType: DiscountFixed, Value: d("5"), Active: true, MinOrderAmount: d("75")},
			total:       "74.99",
			wantMessage: "Minimum order amount is $75.00",
		},
		{
			name:        "nil rule",
			total:       "10",
			wantMessage: "Coupon code not found or expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.rule, d(tt.total), shipping, fixedNow)
			assert.Equal(t, tt.wantValid, got.Valid)
			if tt.wantValid {
				assert.True(t, d(tt.wantAmount).Equal(got.Discount), "want %s, got %s", tt.wantAmount, got.Discount)
				assert.Same(t, tt.rule, got.Rule)
			} else {
				assert.True(t, got.Discount.IsZero())
				assert.Nil(t, got.Rule)
			}
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, got.Message)
			}
		})
	}
}

func TestEvaluate_ExpiryWinsOverEverything(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	rule := &Rule{
		Code:         "GENEROUS",
		DiscountType: DiscountPercentage,
		Value:        d("10"),
		Active:       true,
		UsageLimit:   intPtr(1000),
		ExpiresAt:    &past,
	}

	got := Evaluate(rule, d("1000"), d("10"), now)
	assert.False(t, got.Valid)
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"ok", Rule{Code: "A", DiscountType: DiscountFixed, Value: d("1")}, false},
		{"missing code", Rule{DiscountType: DiscountFixed, Value: d("1")}, true},
		{"bad type", Rule{Code: "A", DiscountType: "free_lowest", Value: d("1")}, true},
		{"negative value", Rule{Code: "A", DiscountType: DiscountFixed, Value: d("-1")}, true},
		{"percentage over 100", Rule{Code: "A", DiscountType: DiscountPercentage, Value: d("101")}, true},
		{"negative cap", Rule{Code: "A", DiscountType: DiscountPercentage, Value: d("5"), MaxDiscount: decimal.NewNullDecimal(d("-1"))}, true},
		{"limit below usage", Rule{Code: "A", DiscountType: DiscountFixed, Value: d("1"), UsageLimit: intPtr(1), UsageCount: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpdate_ApplyTo(t *testing.T) {
	rule := Rule{Code: "A", Description: "old", DiscountType: DiscountFixed, Value: d("1"), Active: true}
	desc := "new"
	active := false
	limit := 10
	maxCap := d("3")

	Update{Description: &desc, Active: &active, UsageLimit: &limit, MaxDiscount: &maxCap}.ApplyTo(&rule)

	assert.Equal(t, "new", rule.Description)
	assert.False(t, rule.Active)
	assert.Equal(t, 10, *rule.UsageLimit)
	assert.True(t, rule.MaxDiscount.Valid)
	assert.True(t, d("1").Equal(rule.Value), "untouched fields stay")
	assert.True(t, Update{}.Empty())
}
