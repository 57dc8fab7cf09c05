// Package stripe adapts the Stripe payment intents API to payment.Gateway
// and verifies Stripe-style signed webhooks.
package stripe

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// DefaultBaseURL is the public Stripe API endpoint.
const DefaultBaseURL = "https://api.stripe.com"

// Compile-time check ensuring Client satisfies payment.Gateway.
var _ payment.Gateway = (*Client)(nil)

// Client is a minimal Stripe REST client for payment intents.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

// NewClient creates a Client. A nil httpClient gets a client with timeout.
func NewClient(baseURL, secretKey string, httpClient *http.Client, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      httpClient,
	}
}

// CreateIntent creates a payment intent. The idempotency key is forwarded so
// a retry after ErrOutcomeUnknown returns the intent created by the first call.
func (c *Client) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", req.Currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	body, err := c.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	intent, err := decodeIntent(body)
	if err != nil {
		return nil, payment.ErrOutcomeUnknown.Wrap(errors.Wrap(err, "decode intent"))
	}
	return intent, nil
}

// GetIntent fetches the current state of an intent.
func (c *Client) GetIntent(ctx context.Context, intentID string) (*payment.Intent, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "")
	if err != nil {
		return nil, err
	}
	intent, err := decodeIntent(body)
	if err != nil {
		return nil, payment.ErrOutcomeUnknown.Wrap(errors.Wrap(err, "decode intent"))
	}
	return intent, nil
}

// CancelIntent cancels an intent that has not completed.
func (c *Client) CancelIntent(ctx context.Context, intentID string) error {
	_, err := c.post(ctx, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", url.Values{}, "")
	return err
}

func (c *Client) post(ctx context.Context, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, form, idempotencyKey)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.secretKey, "")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures give no signal about whether the gateway acted.
		return nil, payment.ErrOutcomeUnknown.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, payment.ErrOutcomeUnknown.Wrap(errors.Wrap(err, "read response"))
	}
	if resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(resp.StatusCode, body)
}

// apiError is the error object of a Stripe error response.
type apiError struct {
	Type    string
	Code    string
	Message string
}

func (e apiError) String() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Message
}

func classify(status int, body []byte) error {
	apiErr := decodeAPIError(body)
	cause := errors.Errorf("stripe: status %d: %s", status, apiErr)

	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusConflict:
		return payment.ErrOutcomeUnknown.Wrap(cause)
	case status == http.StatusNotFound, apiErr.Code == "resource_missing":
		return payment.ErrIntentNotFound.Wrap(cause)
	case apiErr.Code == "payment_intent_unexpected_state":
		return payment.ErrNotCancellable.Wrap(cause)
	default:
		return payment.ErrRejected.WithMessage("payment gateway rejected the request: " + apiErr.String()).Wrap(cause)
	}
}

func decodeAPIError(body []byte) apiError {
	var out apiError
	_ = jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "error" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			switch string(key) {
			case "type":
				return readString(d, &out.Type)
			case "code":
				return readString(d, &out.Code)
			case "message":
				return readString(d, &out.Message)
			default:
				return d.Skip()
			}
		})
	})
	return out
}

func decodeIntent(body []byte) (*payment.Intent, error) {
	var out payment.Intent
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readString(d, &out.ID)
		case "client_secret":
			return readString(d, &out.ClientSecret)
		case "status":
			return readString(d, &out.Status)
		case "currency":
			return readString(d, &out.Currency)
		case "amount":
			v, err := d.Int64()
			out.AmountMinor = v
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("intent id missing")
	}
	return &out, nil
}

// readString reads a string or null into dst.
func readString(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	v, err := d.Str()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
