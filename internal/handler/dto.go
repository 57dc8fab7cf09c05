package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/checkout"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/delivery"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Money is rendered as a fixed two-decimal string.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// --- Requests ---

type cartItemRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  int             `json:"quantity" validate:"required,gt=0,lte=1000"`
	Price     decimal.Decimal `json:"price"`
}

type cartQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,gte=0,lte=1000"`
}

type applyCouponRequest struct {
	Code       string          `json:"code" validate:"required,max=64"`
	OrderTotal decimal.Decimal `json:"order_total"`
}

type checkoutRequest struct {
	Items           []cartItemRequest `json:"items" validate:"omitempty,max=100,dive"`
	CouponCode      string            `json:"coupon_code" validate:"max=64"`
	ShippingAddress string            `json:"shipping_address" validate:"required,max=500"`
	BillingAddress  string            `json:"billing_address" validate:"max=500"`
	Phone           string            `json:"phone" validate:"required,max=32"`
	Notes           string            `json:"notes" validate:"max=1000"`
}

type createCouponRequest struct {
	Code           string           `json:"code" validate:"required,max=64"`
	Description    string           `json:"description" validate:"max=500"`
	DiscountType   string           `json:"discount_type" validate:"required,oneof=percentage fixed free_shipping"`
	Value          decimal.Decimal  `json:"value"`
	MinOrderAmount decimal.Decimal  `json:"min_order_amount"`
	MaxDiscount    *decimal.Decimal `json:"max_discount"`
	UsageLimit     *int             `json:"usage_limit" validate:"omitempty,gte=0"`
	Active         *bool            `json:"active"`
	ExpiresAt      *time.Time       `json:"expires_at"`
}

func (r createCouponRequest) rule() coupon.Rule {
	rule := coupon.Rule{
		Code:           r.Code,
		Description:    r.Description,
		DiscountType:   coupon.DiscountType(r.DiscountType),
		Value:          r.Value,
		MinOrderAmount: r.MinOrderAmount,
		UsageLimit:     r.UsageLimit,
		Active:         true,
		ExpiresAt:      r.ExpiresAt,
	}
	if r.MaxDiscount != nil {
		rule.MaxDiscount = decimal.NewNullDecimal(*r.MaxDiscount)
	}
	if r.Active != nil {
		rule.Active = *r.Active
	}
	return rule
}

type updateCouponRequest struct {
	Description    *string          `json:"description" validate:"omitempty,max=500"`
	Value          *decimal.Decimal `json:"value"`
	MinOrderAmount *decimal.Decimal `json:"min_order_amount"`
	MaxDiscount    *decimal.Decimal `json:"max_discount"`
	UsageLimit     *int             `json:"usage_limit" validate:"omitempty,gte=0"`
	Active         *bool            `json:"active"`
	ExpiresAt      *time.Time       `json:"expires_at"`
}

func (r updateCouponRequest) update() coupon.Update {
	return coupon.Update{
		Description:    r.Description,
		Value:          r.Value,
		MinOrderAmount: r.MinOrderAmount,
		MaxDiscount:    r.MaxDiscount,
		UsageLimit:     r.UsageLimit,
		Active:         r.Active,
		ExpiresAt:      r.ExpiresAt,
	}
}

type shipRequest struct {
	CourierName       string     `json:"courier_name" validate:"required,max=200"`
	CourierPhone      string     `json:"courier_phone" validate:"max=32"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
	Notes             string     `json:"notes" validate:"max=1000"`
}

type updateDeliveryRequest struct {
	Status            *string    `json:"status" validate:"omitempty,oneof=pending assigned picked_up in_transit out_for_delivery delivered failed"`
	CourierName       *string    `json:"courier_name" validate:"omitempty,max=200"`
	CourierPhone      *string    `json:"courier_phone" validate:"omitempty,max=32"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
	Notes             *string    `json:"notes" validate:"omitempty,max=1000"`
}

func (r updateDeliveryRequest) update() delivery.Update {
	upd := delivery.Update{
		CourierName:       r.CourierName,
		CourierPhone:      r.CourierPhone,
		EstimatedDelivery: r.EstimatedDelivery,
		Notes:             r.Notes,
	}
	if r.Status != nil {
		st := delivery.Status(*r.Status)
		upd.Status = &st
	}
	return upd
}

// --- Responses ---

type cartItemResponse struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type cartResponse struct {
	Items    []cartItemResponse `json:"items"`
	Subtotal string             `json:"subtotal"`
}

func toCartItem(it cart.Item) cartItemResponse {
	return cartItemResponse{
		ProductID: it.ProductID,
		Quantity:  it.Quantity,
		UnitPrice: money(it.UnitPrice),
		LineTotal: money(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))),
	}
}

func toCart(c *cart.Cart) cartResponse {
	resp := cartResponse{Items: make([]cartItemResponse, 0, len(c.Items)), Subtotal: money(cart.Total(c))}
	for _, it := range c.Items {
		resp.Items = append(resp.Items, toCartItem(it))
	}
	return resp
}

type couponResponse struct {
	Code           string     `json:"code"`
	Description    string     `json:"description,omitempty"`
	DiscountType   string     `json:"discount_type"`
	Value          string     `json:"value"`
	MinOrderAmount string     `json:"min_order_amount"`
	MaxDiscount    *string    `json:"max_discount,omitempty"`
	UsageLimit     *int       `json:"usage_limit,omitempty"`
	UsageCount     int        `json:"usage_count"`
	Active         bool       `json:"active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func toCoupon(r *coupon.Rule) *couponResponse {
	resp := &couponResponse{
		Code:           r.Code,
		Description:    r.Description,
		DiscountType:   string(r.DiscountType),
		Value:          r.Value.String(),
		MinOrderAmount: money(r.MinOrderAmount),
		UsageLimit:     r.UsageLimit,
		UsageCount:     r.UsageCount,
		Active:         r.Active,
		ExpiresAt:      r.ExpiresAt,
	}
	if r.MaxDiscount.Valid {
		v := money(r.MaxDiscount.Decimal)
		resp.MaxDiscount = &v
	}
	return resp
}

type couponResultResponse struct {
	Valid          bool            `json:"valid"`
	Message        string          `json:"message"`
	DiscountAmount string          `json:"discount_amount"`
	Coupon         *couponResponse `json:"coupon,omitempty"`
}

func toCouponResult(res coupon.Result) *couponResultResponse {
	resp := &couponResultResponse{
		Valid:          res.Valid,
		Message:        res.Message,
		DiscountAmount: money(res.Discount),
	}
	if res.Rule != nil {
		resp.Coupon = toCoupon(res.Rule)
	}
	return resp
}

type totalsResponse struct {
	Subtotal string `json:"subtotal"`
	Tax      string `json:"tax"`
	Shipping string `json:"shipping"`
	Discount string `json:"discount"`
	Total    string `json:"total"`
}

func toTotals(t order.Totals) totalsResponse {
	return totalsResponse{
		Subtotal: money(t.Subtotal),
		Tax:      money(t.Tax),
		Shipping: money(t.Shipping),
		Discount: money(t.Discount),
		Total:    money(t.Total),
	}
}

type orderItemResponse struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
}

type orderResponse struct {
	ID              int64               `json:"id"`
	OrderNumber     string              `json:"order_number"`
	Status          string              `json:"status"`
	Items           []orderItemResponse `json:"items"`
	Totals          totalsResponse      `json:"totals"`
	CouponCode      string              `json:"coupon_code,omitempty"`
	ShippingAddress string              `json:"shipping_address"`
	BillingAddress  string              `json:"billing_address"`
	Phone           string              `json:"phone"`
	Notes           string              `json:"notes,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	PaidAt          *time.Time          `json:"paid_at,omitempty"`
}

func toOrder(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		OrderNumber:     o.Number,
		Status:          string(o.Status),
		Items:           make([]orderItemResponse, len(o.Items)),
		Totals:          toTotals(o.Totals),
		CouponCode:      o.CouponCode,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		Phone:           o.Phone,
		Notes:           o.Notes,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		PaidAt:          o.PaidAt,
	}
	for i, it := range o.Items {
		resp.Items[i] = orderItemResponse{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   money(it.UnitPrice),
			LineTotal:   money(it.LineTotal),
		}
	}
	return resp
}

type paymentResponse struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
}

func toPayment(p *payment.Payment) paymentResponse {
	resp := paymentResponse{
		IntentID: p.IntentID,
		Amount:   money(p.Amount),
		Currency: p.Currency,
		Status:   string(p.Status),
		Attempt:  p.Attempt,
	}
	// The secret is only useful while the intent can still be paid.
	if p.Status == payment.StatusPending {
		resp.ClientSecret = p.ClientSecret
	}
	return resp
}

type receiptResponse struct {
	Order    orderResponse         `json:"order"`
	Payment  paymentResponse       `json:"payment"`
	Coupon   *couponResultResponse `json:"coupon,omitempty"`
	Replayed bool                  `json:"replayed"`
}

func toReceipt(rc *checkout.Receipt) receiptResponse {
	resp := receiptResponse{
		Order:    toOrder(rc.Order),
		Payment:  toPayment(rc.Payment),
		Replayed: rc.Replayed,
	}
	if rc.Coupon != nil {
		resp.Coupon = toCouponResult(*rc.Coupon)
	}
	return resp
}

type deliveryResponse struct {
	ID                int64      `json:"id"`
	OrderID           int64      `json:"order_id"`
	TrackingNumber    string     `json:"tracking_number"`
	CourierName       string     `json:"courier_name"`
	CourierPhone      string     `json:"courier_phone,omitempty"`
	Status            string     `json:"status"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time `json:"actual_delivery,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toDelivery(d *delivery.Delivery) deliveryResponse {
	return deliveryResponse{
		ID:                d.ID,
		OrderID:           d.OrderID,
		TrackingNumber:    d.TrackingNumber,
		CourierName:       d.CourierName,
		CourierPhone:      d.CourierPhone,
		Status:            string(d.Status),
		EstimatedDelivery: d.EstimatedDelivery,
		ActualDelivery:    d.ActualDelivery,
		Notes:             d.Notes,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}
