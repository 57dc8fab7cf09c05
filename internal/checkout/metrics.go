package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xenking/kart-checkout/internal/checkout"

type metrics struct {
	begin        metric.Int64Counter
	confirm      metric.Int64Counter
	integrityGap metric.Int64Counter
	reaped       metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.begin, err = meter.Int64Counter("checkout.begin",
		metric.WithDescription("Checkout attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.begin counter")
	}
	if m.confirm, err = meter.Int64Counter("checkout.payment.confirm",
		metric.WithDescription("Payment confirmations by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.payment.confirm counter")
	}
	if m.integrityGap, err = meter.Int64Counter("checkout.integrity_gap",
		metric.WithDescription("Side effects that failed after payment confirmation"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.integrity_gap counter")
	}
	if m.reaped, err = meter.Int64Counter("checkout.reaper.cancelled",
		metric.WithDescription("Unpaid orders cancelled by the sweeper"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.reaper.cancelled counter")
	}
	return &m, nil
}

func (m *metrics) recordBegin(ctx context.Context, outcome string) {
	m.begin.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) recordConfirm(ctx context.Context, outcome Outcome) {
	m.confirm.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (m *metrics) recordGap(ctx context.Context, step string) {
	m.integrityGap.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}
