// Package metrics provides the otel-backed instrumentation implementations.
package metrics

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/towerstats/transferpool/internal/application/pool"
)

const namespace = "transferpool"

// Registry provides access to all metric implementations.
type Registry struct {
	Pool pool.Metrics
}

// NewRegistry creates and initializes all metrics implementations from a
// single meter provider.
func NewRegistry(mp metric.MeterProvider) (*Registry, error) {
	poolMetrics, err := newPoolMetrics(mp)
	if err != nil {
		return nil, err
	}

	return &Registry{Pool: poolMetrics}, nil
}
