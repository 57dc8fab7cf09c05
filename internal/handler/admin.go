package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/fulfillment"
)

// ListCoupons returns every coupon.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	rules, err := h.coupons.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]*couponResponse, len(rules))
	for i := range rules {
		resp[i] = toCoupon(&rules[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateCoupon defines a new coupon.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := h.coupons.Create(r.Context(), req.rule())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCoupon(rule))
}

// UpdateCoupon changes the mutable fields of a coupon.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	var req updateCouponRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := h.coupons.Update(r.Context(), chi.URLParam(r, "code"), req.update())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCoupon(rule))
}

// DeactivateCoupon retires a coupon. The row is kept so redemptions and
// order history still resolve the code; PATCH with active=true restores it.
func (h *Handler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	active := false
	rule, err := h.coupons.Update(r.Context(), chi.URLParam(r, "code"), coupon.Update{Active: &active})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCoupon(rule))
}

// ShipOrder assigns a courier to a processing order.
func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req shipRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.fulfillment.Ship(r.Context(), orderID, fulfillment.ShipRequest{
		CourierName:       req.CourierName,
		CourierPhone:      req.CourierPhone,
		EstimatedDelivery: req.EstimatedDelivery,
		Notes:             req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDelivery(d))
}

// CancelOrder cancels any non-terminal order.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.fulfillment.Cancel(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

// UpdateDelivery records a courier update.
func (h *Handler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := pathID(r, "deliveryID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateDeliveryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.fulfillment.UpdateDelivery(r.Context(), deliveryID, req.update())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDelivery(d))
}
