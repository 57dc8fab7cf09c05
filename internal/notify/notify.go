// Package notify publishes best-effort customer notifications. Delivery of
// the actual e-mail is done by a downstream consumer of the published events.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventOrderConfirmed is the type of the event emitted after payment.
const EventOrderConfirmed = "order_confirmed"

// Confirmation describes a paid order.
type Confirmation struct {
	OrderID     int64
	OrderNumber string
	UserID      int64
	Total       decimal.Decimal
	Currency    string
	PaidAt      time.Time
}

// Notifier dispatches notifications. Callers treat every error as non-fatal.
type Notifier interface {
	OrderConfirmed(ctx context.Context, c Confirmation) error
}

type message struct {
	Type        string          `json:"type"`
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Subject     string          `json:"subject"`
	PaidAt      time.Time       `json:"paid_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notification events to a Kafka topic keyed by
// order number.
type KafkaNotifier struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, timeout time.Duration) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

// OrderConfirmed publishes an order confirmation event.
func (n *KafkaNotifier) OrderConfirmed(ctx context.Context, c Confirmation) error {
	data, err := json.Marshal(message{
		Type:        EventOrderConfirmed,
		OrderID:     c.OrderID,
		OrderNumber: c.OrderNumber,
		UserID:      c.UserID,
		Total:       c.Total,
		Currency:    c.Currency,
		Subject:     "Order Confirmation - " + c.OrderNumber,
		PaidAt:      c.PaidAt.UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.OrderNumber),
		Value: data,
		Time:  time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "publish notification")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier only logs notifications. It is used when no broker is configured.
type LogNotifier struct{}

// OrderConfirmed logs the confirmation.
func (LogNotifier) OrderConfirmed(ctx context.Context, c Confirmation) error {
	zctx.From(ctx).Info("Order confirmation (no broker configured)",
		zap.Int64("order_id", c.OrderID),
		zap.String("order_number", c.OrderNumber),
		zap.Int64("user_id", c.UserID),
	)
	return nil
}
