package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	msgs     []kafka.Message
	err      error
	deadline bool
	closed   bool
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, m.deadline = ctx.Deadline()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.closed = true
	return nil
}

func TestKafkaNotifier_OrderConfirmed(t *testing.T) {
	w := &mockWriter{}
	n := &KafkaNotifier{writer: w, timeout: time.Second}

	err := n.OrderConfirmed(context.Background(), Confirmation{
		OrderID:     11,
		OrderNumber: "ORD-123456",
		UserID:      7,
		Total:       decimal.RequireFromString("60.00"),
		Currency:    "usd",
		PaidAt:      time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline)
	assert.Equal(t, "ORD-123456", string(w.msgs[0].Key))

	var got message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, EventOrderConfirmed, got.Type)
	assert.Equal(t, int64(11), got.OrderID)
	assert.Equal(t, "Order Confirmation - ORD-123456", got.Subject)
	assert.True(t, decimal.RequireFromString("60").Equal(got.Total))

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifier_PublishError(t *testing.T) {
	w := &mockWriter{err: errors.New("broker unavailable")}
	n := &KafkaNotifier{writer: w}

	err := n.OrderConfirmed(context.Background(), Confirmation{OrderNumber: "ORD-1"})
	require.Error(t, err)
	assert.False(t, w.deadline)
}

func TestLogNotifier(t *testing.T) {
	require.NoError(t, LogNotifier{}.OrderConfirmed(context.Background(), Confirmation{OrderID: 1}))
}
