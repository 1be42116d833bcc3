// Package telemetry holds the engine's metric instruments and logger setup.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope for all engine metrics.
const MeterName = "github.com/warp/points-engine"

// Metrics holds the engine's metric instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LedgerEntries       metric.Int64Counter
	LedgerAmount        metric.Int64Counter
	Transitions         metric.Int64Counter
	TransitionConflicts metric.Int64Counter
	SweepExpired        metric.Int64Counter
	SweepDuration       metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LedgerEntries, err = meter.Int64Counter("points.ledger.entries",
		metric.WithDescription("Ledger entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.LedgerAmount, err = meter.Int64Counter("points.ledger.amount",
		metric.WithDescription("Absolute points moved through the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("points.transitions",
		metric.WithDescription("Status transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionConflicts, err = meter.Int64Counter("points.transition.conflicts",
		metric.WithDescription("Transitions rejected because the row was no longer open"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepExpired, err = meter.Int64Counter("points.sweep.expired",
		metric.WithDescription("Rows expired by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("points.sweep.duration",
		metric.WithDescription("Expiration sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Global builds Metrics from the otel global meter provider, which is a
// noop until an SDK provider is installed.
func Global() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider().Meter(MeterName))
}

// Noop returns Metrics backed by the noop provider.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	sign := "credit"
	if amount < 0 {
		sign = "debit"
		amount = -amount
	}
	attrs := metric.WithAttributes(attribute.String("direction", sign))
	m.LedgerEntries.Add(ctx, 1, attrs)
	m.LedgerAmount.Add(ctx, amount, attrs)
}

func (m *Metrics) RecordTransition(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordConflict(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.TransitionConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordSweep(ctx context.Context, tasks, subtasks int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(ctx, int64(tasks), metric.WithAttributes(attribute.String("kind", "task")))
	m.SweepExpired.Add(ctx, int64(subtasks), metric.WithAttributes(attribute.String("kind", "subtask")))
	m.SweepDuration.Record(ctx, elapsed.Seconds())
}
