package pool

import (
	"context"
	"time"
)

// Metrics defines the instrumentation the pool emits. Implemented by the
// otel-backed registry in internal/infra/metrics; tests use NopMetrics.
type Metrics interface {
	IncAcquire(ctx context.Context, tier string, outcome string)
	ObserveAcquireLatency(ctx context.Context, tier string, d time.Duration)
	IncSessionCreated(ctx context.Context, tier string)
	IncSessionClosed(ctx context.Context, tier string, reason string)
	IncProbe(ctx context.Context, tier string, healthy bool)
	IncReconnect(ctx context.Context, tier string, success bool)
	AddLeased(ctx context.Context, tier string, delta int64)
	AddIdle(ctx context.Context, tier string, delta int64)
	AddWaiters(ctx context.Context, tier string, delta int64)
}

// Acquire outcome labels.
const (
	OutcomeHit     = "hit"      // served from the idle set
	OutcomeCreated = "created"  // new session dialed
	OutcomeWaited  = "waited"   // served after queuing
	OutcomeTimeout = "timeout"  // deadline elapsed while queued
	OutcomeError   = "error"    // dial or configuration failure
)

// Session close reason labels.
const (
	ReasonIdleEvicted        = "idle_evicted"
	ReasonReconnectExhausted = "reconnect_exhausted"
	ReasonAuthFailed         = "auth_failed"
	ReasonShutdown           = "shutdown"
	ReasonDialAborted        = "dial_aborted"
)

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) IncAcquire(context.Context, string, string)                   {}
func (NopMetrics) ObserveAcquireLatency(context.Context, string, time.Duration) {}
func (NopMetrics) IncSessionCreated(context.Context, string)                    {}
func (NopMetrics) IncSessionClosed(context.Context, string, string)             {}
func (NopMetrics) IncProbe(context.Context, string, bool)                       {}
func (NopMetrics) IncReconnect(context.Context, string, bool)                   {}
func (NopMetrics) AddLeased(context.Context, string, int64)                     {}
func (NopMetrics) AddIdle(context.Context, string, int64)                       {}
func (NopMetrics) AddWaiters(context.Context, string, int64)                    {}
