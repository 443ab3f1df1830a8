package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/towerstats/transferpool/internal/application/pool"
)

var _ pool.Metrics = (*poolMetrics)(nil)

type poolMetrics struct {
	acquireTotal    metric.Int64Counter
	acquireDuration metric.Float64Histogram
	sessionsCreated metric.Int64Counter
	sessionsClosed  metric.Int64Counter
	probesTotal     metric.Int64Counter
	reconnectsTotal metric.Int64Counter
	leasedSessions  metric.Int64UpDownCounter
	idleSessions    metric.Int64UpDownCounter
	queuedWaiters   metric.Int64UpDownCounter
}

// newPoolMetrics creates the pool instrumentation set.
func newPoolMetrics(mp metric.MeterProvider) (*poolMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(poolMetrics)
	var err error

	if m.acquireTotal, err = meter.Int64Counter(
		"pool_acquire_total",
		metric.WithDescription("Total number of session acquisition attempts"),
	); err != nil {
		return nil, err
	}

	if m.acquireDuration, err = meter.Float64Histogram(
		"pool_acquire_duration_seconds",
		metric.WithDescription("Time spent acquiring a session, queue wait included"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.sessionsCreated, err = meter.Int64Counter(
		"pool_sessions_created_total",
		metric.WithDescription("Total number of transfer sessions established"),
	); err != nil {
		return nil, err
	}

	if m.sessionsClosed, err = meter.Int64Counter(
		"pool_sessions_closed_total",
		metric.WithDescription("Total number of transfer sessions closed"),
	); err != nil {
		return nil, err
	}

	if m.probesTotal, err = meter.Int64Counter(
		"pool_probes_total",
		metric.WithDescription("Total number of liveness probes issued"),
	); err != nil {
		return nil, err
	}

	if m.reconnectsTotal, err = meter.Int64Counter(
		"pool_reconnects_total",
		metric.WithDescription("Total number of reconnection attempts"),
	); err != nil {
		return nil, err
	}

	if m.leasedSessions, err = meter.Int64UpDownCounter(
		"pool_leased_sessions",
		metric.WithDescription("Sessions currently leased to callers"),
	); err != nil {
		return nil, err
	}

	if m.idleSessions, err = meter.Int64UpDownCounter(
		"pool_idle_sessions",
		metric.WithDescription("Sessions currently idle in the pool"),
	); err != nil {
		return nil, err
	}

	if m.queuedWaiters, err = meter.Int64UpDownCounter(
		"pool_queued_waiters",
		metric.WithDescription("Acquisitions currently queued for capacity"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *poolMetrics) IncAcquire(ctx context.Context, tier string, outcome string) {
	m.acquireTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

func (m *poolMetrics) ObserveAcquireLatency(ctx context.Context, tier string, d time.Duration) {
	m.acquireDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

func (m *poolMetrics) IncSessionCreated(ctx context.Context, tier string) {
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

func (m *poolMetrics) IncSessionClosed(ctx context.Context, tier string, reason string) {
	m.sessionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("reason", reason),
	))
}

func (m *poolMetrics) IncProbe(ctx context.Context, tier string, healthy bool) {
	m.probesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("healthy", healthy),
	))
}

func (m *poolMetrics) IncReconnect(ctx context.Context, tier string, success bool) {
	m.reconnectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("success", success),
	))
}

func (m *poolMetrics) AddLeased(ctx context.Context, tier string, delta int64) {
	m.leasedSessions.Add(ctx, delta, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

func (m *poolMetrics) AddIdle(ctx context.Context, tier string, delta int64) {
	m.idleSessions.Add(ctx, delta, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

func (m *poolMetrics) AddWaiters(ctx context.Context, tier string, delta int64) {
	m.queuedWaiters.Add(ctx, delta, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}
