package pool

import (
	"context"
	"time"

	"github.com/towerstats/transferpool/internal/domain/session"
)

// runProber sweeps idle sessions across all tenant pools on a fixed tick.
// A session is probed when its last-probe age reached its tier's probe
// interval, so per-tier cadences are honored on a shared ticker.
func (s *Service) runProber(ctx context.Context) {
	defer s.bg.Done()

	ticker := time.NewTicker(s.cfg.ProbeSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tp := range s.snapshot() {
				tp.probeSweep(ctx)
			}
		}
	}
}

// probeSweep probes this pool's due idle sessions. Candidates are moved to
// Probing under the lock, probed with the lock released, and the results
// committed under the lock again, so slow probes never block acquisitions.
// Leased sessions are never touched.
func (tp *tenantPool) probeSweep(ctx context.Context) {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}

	now := tp.svc.now()
	limits := tp.limits
	var candidates []*session.Session
	remaining := tp.idle[:0]
	for _, s := range tp.idle {
		if s.ProbeAge(now) >= limits.ProbeInterval {
			_ = s.Transition(session.StateProbing)
			candidates = append(candidates, s)
			continue
		}
		remaining = append(remaining, s)
	}
	tp.idle = remaining
	if len(candidates) > 0 {
		tp.svc.metrics.AddIdle(ctx, tp.tier.String(), -int64(len(candidates)))
	}
	tp.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	results := make([]error, len(candidates))
	for i, s := range candidates {
		pctx, cancel := context.WithTimeout(ctx, limits.ProbeTimeout)
		results[i] = s.Transport().Ping(pctx)
		cancel()
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	now = tp.svc.now()
	for i, s := range candidates {
		if tp.closed || s.State() != session.StateProbing {
			continue
		}

		s.TouchProbed(now)
		healthy := results[i] == nil
		tp.svc.metrics.IncProbe(ctx, tp.tier.String(), healthy)

		if healthy {
			s.ResetFailures()
			_ = s.Transition(session.StateIdle)
			tp.handoffOrParkLocked(ctx, s)
			continue
		}

		attempts := s.RecordFailure()
		_ = s.Transition(session.StateUnhealthy)
		tp.svc.log.Warn(ctx, "idle session failed liveness probe",
			"tenant_id", tp.tenantID.String(), "session_id", s.ID(),
			"consecutive_failures", attempts, "error", results[i])
		tp.startReconnectLocked(s)
	}
}
