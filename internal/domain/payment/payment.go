// Package payment models local payment records and the contract of an
// external payment gateway.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// Status is the local payment state. It leaves pending only through a
// verified gateway event or a cancellation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Gateway-side intent states.
const (
	IntentRequiresPayment = "requires_payment_method"
	IntentProcessing      = "processing"
	IntentSucceeded       = "succeeded"
	IntentCanceled        = "canceled"
)

// Gateway event types the service reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

var (
	// ErrRejected means the gateway explicitly refused the request.
	ErrRejected = apperr.Upstream("payment_rejected", "payment gateway rejected the request")
	// ErrOutcomeUnknown means the request may or may not have taken effect
	// (timeout, connection reset, 5xx). Retry only with the same idempotency key.
	ErrOutcomeUnknown = apperr.Upstream("payment_outcome_unknown", "payment gateway outcome unknown")
	// ErrIntentNotFound means the gateway has no record of the intent.
	ErrIntentNotFound = apperr.NotFound("intent_not_found", "payment intent not found at the gateway")
	// ErrNotCancellable means the intent already reached a terminal state.
	ErrNotCancellable = apperr.Conflict("intent_not_cancellable", "payment intent can no longer be cancelled")
	// ErrUnauthorizedWebhook means the webhook signature did not verify.
	ErrUnauthorizedWebhook = apperr.Authorization("invalid_signature", "webhook signature verification failed")
	// ErrMalformedEvent means a verified payload could not be decoded.
	ErrMalformedEvent = apperr.Validation("malformed_event", "malformed webhook event")
	// ErrNotFound means no local payment exists for the order or intent.
	ErrNotFound = apperr.NotFound("payment_not_found", "payment not found")
)

// Payment is the local record of one gateway intent for one order.
type Payment struct {
	ID           int64
	OrderID      int64
	UserID       int64
	IntentID     string
	ClientSecret string
	Amount       decimal.Decimal
	Currency     string
	Status       Status
	Attempt      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IntentRequest describes a payment intent to create.
type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the gateway's representation of a pending payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	AmountMinor  int64
	Currency     string
}

// Event is a verified gateway webhook notification.
type Event struct {
	ID          string
	Type        string
	IntentID    string
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
}

// Gateway creates, inspects and cancels payment intents.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
}

// Canceled reports whether the intent can no longer be paid.
func (i *Intent) Canceled() bool {
	return i.Status == IntentCanceled
}

// WebhookVerifier authenticates and decodes webhook payloads. Verification
// happens before any business field of the payload is read.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts an amount in major units to an integer amount of
// minor units (cents), rounding to the nearest cent.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Mul(hundred).IntPart()
}

// FromMinorUnits converts minor units back to a decimal amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
