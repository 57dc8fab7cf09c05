package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the order total, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the order total.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping credits the standard shipping cost.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Valid reports whether t is a supported discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixed, DiscountFreeShipping:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned by repositories when no coupon has the code.
	ErrNotFound = apperr.NotFound("coupon_not_found", "coupon not found")
	// ErrUsageLimitReached is returned when committing usage of an exhausted coupon.
	ErrUsageLimitReached = apperr.Conflict("coupon_exhausted", "coupon usage limit reached")
	// ErrRejected is returned by strict checkouts when the coupon does not apply.
	ErrRejected = apperr.Conflict("coupon_rejected", "coupon cannot be applied")
	// ErrInvalidRule is returned when a coupon definition is malformed.
	ErrInvalidRule = apperr.Validation("invalid_coupon", "invalid coupon definition")
	// ErrCodeTaken is returned when creating a coupon whose code already exists.
	ErrCodeTaken = apperr.Conflict("coupon_code_taken", "coupon code already exists")
)

// Rule defines a coupon's discount behaviour and eligibility constraints.
type Rule struct {
	ID             int64
	Code           string
	Description    string
	DiscountType   DiscountType
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	UsageLimit     *int
	UsageCount     int
	Active         bool
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Exhausted reports whether the usage limit has been reached.
func (r *Rule) Exhausted() bool {
	return r.UsageLimit != nil && r.UsageCount >= *r.UsageLimit
}

// Validate checks the rule's invariants.
func (r *Rule) Validate() error {
	switch {
	case r.Code == "":
		return ErrInvalidRule.WithMessage("code is required")
	case !r.DiscountType.Valid():
		return ErrInvalidRule.WithMessage("unsupported discount type " + string(r.DiscountType))
	case r.Value.IsNegative():
		return ErrInvalidRule.WithMessage("discount value must not be negative")
	case r.DiscountType == DiscountPercentage && r.Value.GreaterThan(hundred):
		return ErrInvalidRule.WithMessage("percentage must not exceed 100")
	case r.MinOrderAmount.IsNegative():
		return ErrInvalidRule.WithMessage("minimum order amount must not be negative")
	case r.MaxDiscount.Valid && r.MaxDiscount.Decimal.IsNegative():
		return ErrInvalidRule.WithMessage("max discount must not be negative")
	case r.UsageLimit != nil && *r.UsageLimit < r.UsageCount:
		return ErrInvalidRule.WithMessage("usage limit is below current usage")
	}
	return nil
}

// Update enumerates the mutable coupon fields. Nil fields are left unchanged.
type Update struct {
	Description    *string
	Value          *decimal.Decimal
	MinOrderAmount *decimal.Decimal
	MaxDiscount    *decimal.Decimal
	UsageLimit     *int
	Active         *bool
	ExpiresAt      *time.Time
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Description == nil && u.Value == nil && u.MinOrderAmount == nil &&
		u.MaxDiscount == nil && u.UsageLimit == nil && u.Active == nil && u.ExpiresAt == nil
}

// ApplyTo sets every present field on r.
func (u Update) ApplyTo(r *Rule) {
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.Value != nil {
		r.Value = *u.Value
	}
	if u.MinOrderAmount != nil {
		r.MinOrderAmount = *u.MinOrderAmount
	}
	if u.MaxDiscount != nil {
		r.MaxDiscount = decimal.NewNullDecimal(*u.MaxDiscount)
	}
	if u.UsageLimit != nil {
		limit := *u.UsageLimit
		r.UsageLimit = &limit
	}
	if u.Active != nil {
		r.Active = *u.Active
	}
	if u.ExpiresAt != nil {
		at := *u.ExpiresAt
		r.ExpiresAt = &at
	}
}

// NormalizeCode canonicalizes a user-supplied code. Codes are stored upper-cased.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository provides lookup and mutation of coupon rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
	// CommitUsage records the redemption of code by orderID and increments
	// the usage counter atomically. It returns false when the redemption was
	// already recorded, and ErrUsageLimitReached when the limit is hit.
	CommitUsage(ctx context.Context, code string, orderID int64) (bool, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, code string, upd Update) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	ListCodes(ctx context.Context) ([]string, error)
}
