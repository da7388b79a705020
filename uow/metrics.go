package uow

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-uow/uow/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Boundary outcomes recorded on the completed-transactions counter.
const (
	outcomeCommitted    = "committed"
	outcomeRolledBack   = "rolled_back"
	outcomeCommitFailed = "commit_failed"
	outcomeAborted      = "aborted"
)

// boundaryMetrics records one counter increment and one duration sample per
// owning boundary. Joined boundaries are not counted; they share the owner's
// transaction.
type boundaryMetrics struct {
	transactions metric.Int64Counter
	duration     metric.Int64Histogram
}

func newBoundaryMetrics(provider metric.MeterProvider, logger log.Logger) *boundaryMetrics {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}

	meter := provider.Meter(instrumentationName)
	m := &boundaryMetrics{}

	var err error

	m.transactions, err = meter.Int64Counter(
		"uow.transactions",
		metric.WithDescription("Completed transaction boundaries by outcome."),
	)
	if err != nil {
		logger.Log(context.Background(), log.LevelWarn, "transaction counter unavailable, metrics disabled", log.Err(err))

		m.transactions, _ = noop.NewMeterProvider().Meter("nop").Int64Counter("uow.transactions")
	}

	m.duration, err = meter.Int64Histogram(
		"uow.transaction.duration",
		metric.WithDescription("Wall time from boundary creation to completion."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Log(context.Background(), log.LevelWarn, "transaction duration histogram unavailable, metrics disabled", log.Err(err))

		m.duration, _ = noop.NewMeterProvider().Meter("nop").Int64Histogram("uow.transaction.duration")
	}

	return m
}

func (m *boundaryMetrics) observe(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	m.transactions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
}
