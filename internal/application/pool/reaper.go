package pool

import (
	"context"
	"time"

	"github.com/towerstats/transferpool/internal/domain/session"
)

// runReaper periodically evicts stale idle sessions and prunes tenant pools
// that have been empty past their pool-idle timeout.
func (s *Service) runReaper(ctx context.Context) {
	defer s.bg.Done()

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapSweep(ctx)
		}
	}
}

// reapSweep runs one eviction pass over every tenant pool.
func (s *Service) reapSweep(ctx context.Context) {
	for id, tp := range s.snapshotWithIDs() {
		evicted := tp.evictStaleIdle(ctx)
		if evicted > 0 {
			s.log.Info(ctx, "evicted stale idle sessions",
				"tenant_id", id.String(), "evicted", evicted)
		}

		if tp.prunable(s.now()) {
			s.mu.Lock()
			if s.pools[id] == tp && tp.prunable(s.now()) {
				delete(s.pools, id)
				s.log.Info(ctx, "pruned empty tenant pool", "tenant_id", id.String())
			}
			s.mu.Unlock()
		}
	}
}

// evictStaleIdle closes idle sessions unused past the tier's idle timeout
// and reports how many were evicted. Leased, probing, and reconnecting
// sessions are never candidates.
func (tp *tenantPool) evictStaleIdle(ctx context.Context) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return 0
	}

	now := tp.svc.now()
	var stale []*session.Session
	remaining := tp.idle[:0]
	for _, s := range tp.idle {
		if s.IdleFor(now) > tp.limits.IdleTimeout {
			stale = append(stale, s)
			continue
		}
		remaining = append(remaining, s)
	}
	tp.idle = remaining

	for _, s := range stale {
		tp.closeSessionLocked(s, ReasonIdleEvicted)
	}
	if len(stale) > 0 {
		tp.svc.metrics.AddIdle(ctx, tp.tier.String(), -int64(len(stale)))
	}
	return len(stale)
}

// prunable reports whether the pool has been empty (no sessions, no
// in-flight dials, no waiters) for longer than its pool-idle timeout.
func (tp *tenantPool) prunable(now time.Time) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed || tp.emptySince.IsZero() {
		return false
	}
	return now.Sub(tp.emptySince) > tp.limits.PoolIdleTimeout
}
