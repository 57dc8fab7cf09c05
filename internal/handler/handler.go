// Package handler exposes the checkout services over HTTP.
//
// Every route except the payment webhook requires an API key in the api_key
// header. Shopper routes act on behalf of the key's user and need the
// checkout scope; back-office routes need the admin scope.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/checkout"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/delivery"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/fulfillment"
)

const maxBodyBytes = 1 << 20

var (
	errInvalidBody = apperr.Validation("invalid_request", "invalid request body")
	errInvalidPath = apperr.Validation("invalid_path", "invalid path parameter")
)

// Carts is the cart service used by the cart routes.
type Carts interface {
	Get(ctx context.Context, userID int64) (*cart.Cart, error)
	Add(ctx context.Context, userID int64, item cart.Item) (cart.Item, error)
	SetQuantity(ctx context.Context, userID, productID int64, quantity int) error
	Remove(ctx context.Context, userID, productID int64) error
	Clear(ctx context.Context, userID int64) error
}

// Coupons is the coupon evaluator and its admin operations.
type Coupons interface {
	Apply(ctx context.Context, code string, orderTotal decimal.Decimal) (coupon.Result, error)
	Create(ctx context.Context, rule coupon.Rule) (*coupon.Rule, error)
	Update(ctx context.Context, code string, upd coupon.Update) (*coupon.Rule, error)
	List(ctx context.Context) ([]coupon.Rule, error)
}

// Checkout is the payment orchestrator.
type Checkout interface {
	Begin(ctx context.Context, req checkout.BeginRequest) (*checkout.Receipt, error)
	ResumePayment(ctx context.Context, userID, orderID int64) (*checkout.Receipt, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Fulfillment serves order queries and post-payment transitions.
type Fulfillment interface {
	ListOrders(ctx context.Context, userID int64) ([]order.Order, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*order.Order, error)
	Track(ctx context.Context, userID, orderID int64) (*delivery.Delivery, error)
	Ship(ctx context.Context, orderID int64, req fulfillment.ShipRequest) (*delivery.Delivery, error)
	UpdateDelivery(ctx context.Context, id int64, upd delivery.Update) (*delivery.Delivery, error)
	Cancel(ctx context.Context, orderID int64) (*order.Order, error)
}

// Sandbox settles intents of the in-process gateway. It is only mounted in
// development.
type Sandbox interface {
	Complete(intentID string) (payload []byte, signature string, err error)
	Decline(intentID string) (payload []byte, signature string, err error)
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// Sandbox enables the /sandbox routes that settle intents locally.
	Sandbox Sandbox
}

// Handler serves the JSON API.
type Handler struct {
	carts       Carts
	coupons     Coupons
	checkout    Checkout
	fulfillment Fulfillment
	sandbox     Sandbox
	validate    *validator.Validate
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	carts Carts,
	coupons Coupons,
	checkout Checkout,
	fulfillment Fulfillment,
) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		carts:       carts,
		coupons:     coupons,
		checkout:    checkout,
		fulfillment: fulfillment,
		sandbox:     cfg.Sandbox,
		validate:    v,
	}
}

// Routes returns the API router. It is meant to be mounted under /api.
func (h *Handler) Routes(sec *SecurityHandler) chi.Router {
	r := chi.NewRouter()

	r.Post("/webhooks/payments", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(sec.Authenticate, RequireScope(auth.ScopeCheckout))

		r.Get("/cart", h.GetCart)
		r.Delete("/cart", h.ClearCart)
		r.Post("/cart/items", h.AddCartItem)
		r.Put("/cart/items/{productID}", h.UpdateCartItem)
		r.Delete("/cart/items/{productID}", h.RemoveCartItem)

		r.Post("/coupons/apply", h.ApplyCoupon)
		r.Post("/checkout", h.Checkout)

		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Post("/orders/{orderID}/payment", h.ResumePayment)
		r.Get("/orders/{orderID}/tracking", h.TrackOrder)

		if h.sandbox != nil {
			r.Post("/sandbox/intents/{intentID}/complete", h.SettleSandboxIntent(true))
			r.Post("/sandbox/intents/{intentID}/decline", h.SettleSandboxIntent(false))
		}
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(sec.Authenticate, RequireScope(auth.ScopeAdmin))

		r.Get("/coupons", h.ListCoupons)
		r.Post("/coupons", h.CreateCoupon)
		r.Patch("/coupons/{code}", h.UpdateCoupon)
		r.Delete("/coupons/{code}", h.DeactivateCoupon)

		r.Post("/orders/{orderID}/ship", h.ShipOrder)
		r.Post("/orders/{orderID}/cancel", h.CancelOrder)
		r.Patch("/deliveries/{deliveryID}", h.UpdateDelivery)
	})

	return r
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidBody.WithMessage("malformed JSON body: " + err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		return errInvalidBody.WithMessage(describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msg := fe.Field() + " failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidPath.WithMessage(name + " must be a positive integer")
	}
	return id, nil
}

// principal returns the authenticated key. Routes are only reachable through
// Authenticate, so a missing principal is a wiring bug.
func principal(r *http.Request) *auth.APIKeyInfo {
	info, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		panic("handler: route reached without authentication")
	}
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
