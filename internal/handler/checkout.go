package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/checkout"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Headers read by the checkout routes.
const (
	IdempotencyKeyHeader = "Idempotency-Key"
	SignatureHeader      = "Stripe-Signature"
)

var errNegativeTotal = apperr.Validation("invalid_order_total", "order total must not be negative")

// ApplyCoupon previews a coupon against an order total without redeeming it.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req applyCouponRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.OrderTotal.IsNegative() {
		writeError(w, r, errNegativeTotal)
		return
	}
	res, err := h.coupons.Apply(r.Context(), req.Code, req.OrderTotal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResult(res))
}

// Checkout turns the caller's cart, or the items in the body, into an order
// awaiting payment. A replayed Idempotency-Key returns the original receipt
// with 200 instead of 201.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	begin := checkout.BeginRequest{
		UserID:          principal(r).UserID,
		IdempotencyKey:  r.Header.Get(IdempotencyKeyHeader),
		CouponCode:      req.CouponCode,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Phone:           req.Phone,
		Notes:           req.Notes,
	}
	for _, it := range req.Items {
		begin.Items = append(begin.Items, cart.Item{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.Price,
		})
	}

	rc, err := h.checkout.Begin(r.Context(), begin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if rc.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toReceipt(rc))
}

// ResumePayment returns a payable intent for a pending order.
func (h *Handler) ResumePayment(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rc, err := h.checkout.ResumePayment(r.Context(), principal(r).UserID, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceipt(rc))
}

// PaymentWebhook receives gateway events. Anything but a signature or
// payload problem is answered with 500 so the gateway redelivers.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, errInvalidBody.WithMessage("read body: "+err.Error()))
		return
	}
	if err := h.checkout.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// SettleSandboxIntent completes or declines a sandbox intent and feeds the
// resulting signed event through the webhook path.
func (h *Handler) SettleSandboxIntent(succeed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		intentID := chi.URLParam(r, "intentID")
		settle := h.sandbox.Decline
		if succeed {
			settle = h.sandbox.Complete
		}
		payload, sig, err := settle(intentID)
		if err != nil {
			writeError(w, r, payment.ErrNotFound.Wrap(err))
			return
		}
		if err := h.checkout.HandleWebhook(r.Context(), payload, sig); err != nil {
			writeError(w, r, errors.Wrap(err, "deliver sandbox event"))
			return
		}
		zctx.From(r.Context()).Info("Sandbox intent settled",
			zap.String("intent_id", intentID), zap.Bool("succeeded", succeed))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
