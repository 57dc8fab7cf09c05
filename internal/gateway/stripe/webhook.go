package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// DefaultTolerance bounds the age of a signed webhook timestamp.
const DefaultTolerance = 5 * time.Minute

// SignatureHeader is the HTTP header carrying the webhook signature.
const SignatureHeader = "Stripe-Signature"

var _ payment.WebhookVerifier = (*Verifier)(nil)

// Verifier checks webhook signatures of the form "t=<unix>,v1=<hex>", where
// each v1 is HMAC-SHA256(secret, "<t>.<payload>").
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier for the shared webhook secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify authenticates payload and decodes it into an Event. Every
// verification failure maps to payment.ErrUnauthorizedWebhook.
func (v *Verifier) Verify(payload []byte, header string) (*payment.Event, error) {
	if len(v.secret) == 0 {
		return nil, payment.ErrUnauthorizedWebhook.Wrap(errors.New("webhook secret not configured"))
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return nil, payment.ErrUnauthorizedWebhook.Wrap(err)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return nil, payment.ErrUnauthorizedWebhook.Wrap(errors.Errorf("timestamp outside tolerance: %s", age))
	}

	expected := computeSignature(v.secret, ts, payload)
	matched := false
	for _, sig := range sigs {
		if subtle.ConstantTimeCompare(expected, sig) == 1 {
			matched = true
		}
	}
	if !matched {
		return nil, payment.ErrUnauthorizedWebhook
	}

	ev, err := decodeEvent(payload)
	if err != nil {
		return nil, payment.ErrMalformedEvent.Wrap(err)
	}
	return ev, nil
}

// Sign produces a signature header for payload at time ts. It is used by
// the sandbox gateway and tests to emit verifiable events.
func Sign(secret string, ts time.Time, payload []byte) string {
	sig := computeSignature([]byte(secret), ts.Unix(), payload)
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + hex.EncodeToString(sig)
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, errors.New("missing signature header")
	}
	var (
		ts     int64
		haveTS bool
		sigs   [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, errors.Wrap(err, "parse timestamp")
			}
			ts, haveTS = n, true
		case "v1":
			sig, err := hex.DecodeString(val)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !haveTS {
		return 0, nil, errors.New("timestamp missing from signature header")
	}
	if len(sigs) == 0 {
		return 0, nil, errors.New("no v1 signature in header")
	}
	return ts, sigs, nil
}

// decodeEvent reads {id, type, data: {object: {id, amount, currency, metadata}}}.
func decodeEvent(payload []byte) (*payment.Event, error) {
	ev := &payment.Event{Metadata: map[string]string{}}
	err := jx.DecodeBytes(payload).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readString(d, &ev.ID)
		case "type":
			return readString(d, &ev.Type)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "object" {
					return d.Skip()
				}
				return decodeEventObject(d, ev)
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, errors.New("event type missing")
	}
	return ev, nil
}

func decodeEventObject(d *jx.Decoder, ev *payment.Event) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readString(d, &ev.IntentID)
		case "currency":
			return readString(d, &ev.Currency)
		case "amount":
			v, err := d.Int64()
			ev.AmountMinor = v
			return err
		case "metadata":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var val string
				if err := readString(d, &val); err != nil {
					return err
				}
				ev.Metadata[string(key)] = val
				return nil
			})
		default:
			return d.Skip()
		}
	})
}

// EncodeEvent renders an intent event in the webhook wire format.
func EncodeEvent(ev payment.Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(ev.ID)
	e.FieldStart("object")
	e.Str("event")
	e.FieldStart("type")
	e.Str(ev.Type)
	e.FieldStart("data")
	e.ObjStart()
	e.FieldStart("object")
	e.ObjStart()
	e.FieldStart("id")
	e.Str(ev.IntentID)
	e.FieldStart("object")
	e.Str("payment_intent")
	e.FieldStart("amount")
	e.Int64(ev.AmountMinor)
	e.FieldStart("currency")
	e.Str(ev.Currency)
	e.FieldStart("metadata")
	e.ObjStart()
	for k, v := range ev.Metadata {
		e.FieldStart(k)
		e.Str(v)
	}
	e.ObjEnd()
	e.ObjEnd()
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}
