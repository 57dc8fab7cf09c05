// Package sandbox is an in-process payment gateway for local development.
// It creates intents in memory and emits webhook events signed the same way
// the real gateway signs them.
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway/stripe"
)

var _ payment.Gateway = (*Gateway)(nil)

// Gateway is a thread-safe in-memory gateway honouring idempotency keys.
type Gateway struct {
	secret string
	now    func() time.Time

	mu       sync.Mutex
	intents  map[string]*record
	byKey    map[string]string
	requests int
}

type record struct {
	intent   payment.Intent
	metadata map[string]string
}

// New creates a sandbox gateway whose events are signed with webhookSecret.
func New(webhookSecret string) *Gateway {
	return &Gateway{
		secret:  webhookSecret,
		now:     time.Now,
		intents: make(map[string]*record),
		byKey:   make(map[string]string),
	}
}

// CreateIntent returns the intent already created for the idempotency key,
// or a new one.
func (g *Gateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	if req.AmountMinor <= 0 {
		return nil, payment.ErrRejected.WithMessage("amount must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++

	if req.IdempotencyKey != "" {
		if id, ok := g.byKey[req.IdempotencyKey]; ok {
			out := g.intents[id].intent
			return &out, nil
		}
	}

	id := "pi_sandbox_" + uuid.NewString()
	rec := &record{
		intent: payment.Intent{
			ID:           id,
			ClientSecret: id + "_secret_" + uuid.NewString()[:8],
			Status:       payment.IntentRequiresPayment,
			AmountMinor:  req.AmountMinor,
			Currency:     req.Currency,
		},
		metadata: make(map[string]string, len(req.Metadata)),
	}
	for k, v := range req.Metadata {
		rec.metadata[k] = v
	}
	g.intents[id] = rec
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = id
	}

	out := rec.intent
	return &out, nil
}

// GetIntent returns the current state of an intent.
func (g *Gateway) GetIntent(_ context.Context, intentID string) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.intents[intentID]
	if !ok {
		return nil, payment.ErrIntentNotFound.WithMessage("no such payment intent: " + intentID)
	}
	out := rec.intent
	return &out, nil
}

// CancelIntent cancels an intent unless it already reached a terminal state.
func (g *Gateway) CancelIntent(_ context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.intents[intentID]
	if !ok {
		return payment.ErrIntentNotFound.WithMessage("no such payment intent: " + intentID)
	}
	switch rec.intent.Status {
	case payment.IntentSucceeded, payment.IntentCanceled:
		return payment.ErrNotCancellable
	}
	rec.intent.Status = payment.IntentCanceled
	return nil
}

// Complete marks an intent as paid and returns the signed webhook payload and
// signature header announcing it.
func (g *Gateway) Complete(intentID string) (payload []byte, signature string, err error) {
	return g.transition(intentID, payment.IntentSucceeded, payment.EventIntentSucceeded)
}

// Decline returns a signed payment-failed event for the intent.
func (g *Gateway) Decline(intentID string) (payload []byte, signature string, err error) {
	return g.transition(intentID, payment.IntentRequiresPayment, payment.EventIntentFailed)
}

// Requests reports how many CreateIntent calls were received.
func (g *Gateway) Requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

func (g *Gateway) transition(intentID, status, eventType string) ([]byte, string, error) {
	g.mu.Lock()
	rec, ok := g.intents[intentID]
	if !ok {
		g.mu.Unlock()
		return nil, "", errors.Errorf("unknown intent %q", intentID)
	}
	if rec.intent.Status == payment.IntentCanceled {
		g.mu.Unlock()
		return nil, "", errors.Errorf("intent %q is canceled", intentID)
	}
	rec.intent.Status = status
	ev := payment.Event{
		ID:          "evt_sandbox_" + uuid.NewString(),
		Type:        eventType,
		IntentID:    rec.intent.ID,
		AmountMinor: rec.intent.AmountMinor,
		Currency:    rec.intent.Currency,
		Metadata:    rec.metadata,
	}
	g.mu.Unlock()

	payload := stripe.EncodeEvent(ev)
	return payload, stripe.Sign(g.secret, g.now(), payload), nil
}
