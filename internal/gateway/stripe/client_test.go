package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "sk_test_123", srv.Client(), 0)
}

func TestClient_CreateIntent(t *testing.T) {
	var gotKey, gotAmount, gotMeta, gotUser string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		gotUser = user
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		gotAmount = r.PostForm.Get("amount")
		gotMeta = r.PostForm.Get("metadata[checkout_ref]")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","amount":6000,"currency":"usd",
			"client_secret":"pi_1_secret_x","status":"requires_payment_method","metadata":{"checkout_ref":"abc"},"next_action":null}`))
	})

	intent, err := c.CreateIntent(context.Background(), payment.IntentRequest{
		AmountMinor:    6000,
		Currency:       "usd",
		IdempotencyKey: "checkout:7:key",
		Metadata:       map[string]string{"checkout_ref": "abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1_secret_x", intent.ClientSecret)
	assert.Equal(t, int64(6000), intent.AmountMinor)
	assert.Equal(t, "checkout:7:key", gotKey)
	assert.Equal(t, "6000", gotAmount)
	assert.Equal(t, "abc", gotMeta)
	assert.Equal(t, "sk_test_123", gotUser)
}

func TestClient_CreateIntent_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`, payment.ErrRejected},
		{"bad request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"Amount must be at least 50 cents"}}`, payment.ErrRejected},
		{"server error", http.StatusInternalServerError, `{}`, payment.ErrOutcomeUnknown},
		{"rate limited", http.StatusTooManyRequests, `{}`, payment.ErrOutcomeUnknown},
		{"idempotency conflict", http.StatusConflict, `{"error":{"type":"idempotency_error"}}`, payment.ErrOutcomeUnknown},
		{"garbage success body", http.StatusOK, `not json`, payment.ErrOutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.CreateIntent(context.Background(), payment.IntentRequest{AmountMinor: 100, Currency: "usd"})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_CreateIntent_TimeoutIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "sk", nil, 50*time.Millisecond)

	_, err := c.CreateIntent(context.Background(), payment.IntentRequest{AmountMinor: 100, Currency: "usd"})
	require.ErrorIs(t, err, payment.ErrOutcomeUnknown)
	assert.NotErrorIs(t, err, payment.ErrRejected)
}

func TestClient_CancelIntent(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/payment_intents/pi_9/cancel", r.URL.Path)
			_, _ = w.Write([]byte(`{"id":"pi_9","status":"canceled"}`))
		})
		require.NoError(t, c.CancelIntent(context.Background(), "pi_9"))
	})

	t.Run("already succeeded", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"payment_intent_unexpected_state","message":"already succeeded"}}`))
		})
		require.ErrorIs(t, c.CancelIntent(context.Background(), "pi_9"), payment.ErrNotCancellable)
	})

	t.Run("unknown intent", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent: 'pi_9'"}}`))
		})
		err := c.CancelIntent(context.Background(), "pi_9")
		require.ErrorIs(t, err, payment.ErrIntentNotFound)
		assert.NotErrorIs(t, err, payment.ErrRejected)
	})
}

func TestClient_GetIntent(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/v1/payment_intents/pi_9", r.URL.Path)
			assert.Empty(t, r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte(`{"id":"pi_9","status":"canceled","amount":500,"currency":"usd","client_secret":null}`))
		})
		intent, err := c.GetIntent(context.Background(), "pi_9")
		require.NoError(t, err)
		assert.True(t, intent.Canceled())
		assert.Equal(t, int64(500), intent.AmountMinor)
	})

	t.Run("missing", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"resource_missing"}}`))
		})
		_, err := c.GetIntent(context.Background(), "pi_9")
		require.ErrorIs(t, err, payment.ErrIntentNotFound)
	})
}
