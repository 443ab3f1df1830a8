package pool

import (
	"context"
	"errors"
	"time"

	"github.com/towerstats/transferpool/internal/domain/quota"
	"github.com/towerstats/transferpool/internal/domain/session"
)

// Backoff returns the reconnect delay for the given attempt number
// (zero-based): base * 2^attempt, capped at the tier's maximum.
func Backoff(limits quota.Limits, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := limits.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limits.BackoffMax || d <= 0 {
			return limits.BackoffMax
		}
	}
	if d > limits.BackoffMax {
		return limits.BackoffMax
	}
	return d
}

// startReconnectLocked hands an Unhealthy session to the reconnection state
// machine. Must be called with tp.mu held.
func (tp *tenantPool) startReconnectLocked(s *session.Session) {
	tp.svc.bg.Add(1)
	go tp.reconnectLoop(s)
}

// reconnectLoop drives Unhealthy -> Reconnecting -> {Idle | Closed}. Each
// attempt sleeps base * 2^n (capped), dials a replacement transport, and on
// success swaps it into the session with the failure counter reset. After
// the tier's attempt bound the session is closed, freeing its capacity slot
// for a fresh connection on the next acquisition.
func (tp *tenantPool) reconnectLoop(s *session.Session) {
	defer tp.svc.bg.Done()

	ctx := context.Background()
	log := tp.svc.log.With("tenant_id", tp.tenantID.String(), "session_id", s.ID())

	for {
		tp.mu.Lock()
		if tp.closed || s.State() != session.StateUnhealthy {
			tp.mu.Unlock()
			return
		}

		fails := s.Failures()
		limits := tp.limits
		if fails >= limits.MaxReconnectAttempts {
			tp.closeSessionLocked(s, ReasonReconnectExhausted)
			tp.mu.Unlock()
			log.Error(ctx, "session closed after exhausting reconnect attempts",
				"attempts", fails, "error", session.ErrReconnectExhausted)
			return
		}

		if err := s.Transition(session.StateReconnecting); err != nil {
			tp.mu.Unlock()
			log.Error(ctx, "reconnect transition failed", "error", err)
			return
		}
		tp.mu.Unlock()

		delay := Backoff(limits, fails-1)
		select {
		case <-tp.svc.done:
			return
		case <-time.After(delay):
		}

		dctx, cancel := context.WithTimeout(ctx, tp.svc.cfg.DialTimeout)
		transport, err := tp.svc.dialer.Dial(dctx, tp.cred)
		cancel()

		tp.mu.Lock()
		if tp.closed || s.State() != session.StateReconnecting {
			tp.mu.Unlock()
			if err == nil {
				_ = transport.Close()
			}
			return
		}

		if err != nil {
			tp.svc.metrics.IncReconnect(ctx, tp.tier.String(), false)

			if errors.Is(err, session.ErrAuthFailed) {
				// Credential rejected: fatal tenant-configuration
				// error, never retried with backoff.
				tp.closeSessionLocked(s, ReasonAuthFailed)
				tp.mu.Unlock()
				log.Error(ctx, "session closed, credential rejected by remote host", "error", err)
				return
			}

			attempts := s.RecordFailure()
			_ = s.Transition(session.StateUnhealthy)
			tp.mu.Unlock()
			log.Warn(ctx, "reconnect attempt failed",
				"attempts", attempts, "next_delay", Backoff(limits, attempts-1).String(), "error", err)
			continue
		}

		old := s.Transport()
		s.SwapTransport(transport)
		s.ResetFailures()
		s.TouchProbed(tp.svc.now())
		_ = s.Transition(session.StateIdle)
		tp.handoffOrParkLocked(ctx, s)
		tp.mu.Unlock()

		if old != nil {
			_ = old.Close()
		}
		tp.svc.metrics.IncReconnect(ctx, tp.tier.String(), true)
		log.Info(ctx, "session reconnected")
		return
	}
}

// handoffOrParkLocked gives a freshly Idle session to the longest-waiting
// queued request, or parks it in the idle set. Must be called with tp.mu
// held and s in the Idle state.
func (tp *tenantPool) handoffOrParkLocked(ctx context.Context, s *session.Session) {
	if len(tp.waiters) > 0 {
		_ = s.Transition(session.StateLeased)
		w := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		w.ch <- s
		return
	}
	tp.idle = append(tp.idle, s)
	tp.svc.metrics.AddIdle(ctx, tp.tier.String(), 1)
}
