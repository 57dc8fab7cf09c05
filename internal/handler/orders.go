package handler

import (
	"net/http"
)

// ListOrders returns the caller's orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.fulfillment.ListOrders(r.Context(), principal(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]orderResponse, len(orders))
	for i := range orders {
		resp[i] = toOrder(&orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder returns one of the caller's orders.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.fulfillment.GetOrder(r.Context(), principal(r).UserID, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

// TrackOrder returns the delivery of one of the caller's orders.
func (h *Handler) TrackOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.fulfillment.Track(r.Context(), principal(r).UserID, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDelivery(d))
}
