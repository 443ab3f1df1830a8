package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/towerstats/transferpool/internal/domain/quota"
	"github.com/towerstats/transferpool/internal/domain/session"
	"github.com/towerstats/transferpool/internal/domain/tenant"
)

// waiter represents one queued acquisition. The channel is buffered so a
// releaser can hand a session off without blocking while holding the pool
// lock. A nil send is a retry signal: capacity freed but no session to hand
// over, so the waiter re-runs the acquisition fast path.
type waiter struct {
	ch chan *session.Session
}

// tenantPool manages the set of transport sessions for one tenant. Its
// mutable sets are guarded by mu; mu is never held across dials or probes.
type tenantPool struct {
	tenantID tenant.ID
	svc      *Service

	initOnce sync.Once
	initErr  error
	tier     tenant.Tier
	limits   quota.Limits
	cred     *tenant.Credential

	mu sync.Mutex
	// sessions is the owned set: every live session in any state but
	// Closed. idle, leases, and the unhealthy remainder partition it.
	sessions map[*session.Session]struct{}
	idle     []*session.Session // LIFO
	leases   map[string]*session.Session
	waiters  []*waiter // FIFO
	// creating counts in-flight dials so concurrent acquisitions cannot
	// overshoot capacity.
	creating   int
	closed     bool
	emptySince time.Time
}

func newTenantPool(tenantID tenant.ID, svc *Service) *tenantPool {
	return &tenantPool{
		tenantID: tenantID,
		svc:      svc,
		sessions: make(map[*session.Session]struct{}),
		leases:   make(map[string]*session.Session),
	}
}

// init resolves the tenant's credential, tier, and limits exactly once.
// Registry lookups are cheap; the credential and tier reads do I/O, so they
// happen here rather than under the registry lock.
func (tp *tenantPool) init(ctx context.Context) error {
	tp.initOnce.Do(func() {
		cred, err := tp.svc.creds.GetCredential(ctx, tp.tenantID)
		if err != nil {
			tp.initErr = err
			return
		}
		if err := cred.Validate(); err != nil {
			tp.initErr = err
			return
		}

		tier := cred.Tier
		if t, err := tp.svc.tiers.GetTier(ctx, tp.tenantID); err == nil {
			tier = t
		}

		limits, err := tp.svc.policy.Limits(tier)
		if err != nil {
			tp.initErr = err
			return
		}

		tp.cred = cred
		tp.tier = tier
		tp.limits = limits
		tp.emptySince = tp.svc.now()
	})
	return tp.initErr
}

// acquire implements the acquisition protocol: idle-first, create below
// capacity, then FIFO queue bounded by the tier's max wait. The second
// return value is the metrics outcome label.
func (tp *tenantPool) acquire(ctx context.Context) (*session.Lease, string, error) {
	var timer *time.Timer
	requeueFront := false

	for {
		tp.mu.Lock()
		if tp.closed {
			tp.mu.Unlock()
			return nil, OutcomeError, ErrPoolClosed
		}

		if n := len(tp.idle); n > 0 {
			s := tp.idle[n-1]
			tp.idle = tp.idle[:n-1]
			tp.svc.metrics.AddIdle(ctx, tp.tier.String(), -1)

			if s.ProbeAge(tp.svc.now()) > tp.limits.RecheckAge {
				lease, err := tp.recheckAndLease(ctx, s)
				if err != nil {
					return nil, OutcomeError, err
				}
				if lease == nil {
					// Probe failed; the session went unhealthy.
					// Try the next candidate.
					continue
				}
				return lease, OutcomeHit, nil
			}

			lease := tp.leaseLocked(s)
			tp.mu.Unlock()
			return lease, OutcomeHit, nil
		}

		if len(tp.sessions)+tp.creating < tp.limits.MaxConnections {
			tp.creating++
			tp.mu.Unlock()
			lease, err := tp.dialAndLease(ctx)
			if err != nil {
				return nil, OutcomeError, err
			}
			return lease, OutcomeCreated, nil
		}

		w := &waiter{ch: make(chan *session.Session, 1)}
		if requeueFront {
			tp.waiters = append([]*waiter{w}, tp.waiters...)
		} else {
			tp.waiters = append(tp.waiters, w)
		}
		tp.svc.metrics.AddWaiters(ctx, tp.tier.String(), 1)
		maxWait := tp.limits.MaxWait
		tp.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(maxWait)
			defer timer.Stop()
		}

		select {
		case s := <-w.ch:
			tp.svc.metrics.AddWaiters(ctx, tp.tier.String(), -1)
			if s == nil {
				if tp.isClosed() {
					return nil, OutcomeError, ErrPoolClosed
				}
				// Capacity freed; retry from the head of the queue.
				requeueFront = true
				continue
			}
			lease, err := tp.adoptHandoff(s)
			if err != nil {
				return nil, OutcomeError, err
			}
			return lease, OutcomeWaited, nil

		case <-timer.C:
			if s, ok := tp.cancelWaiter(ctx, w); ok && s != nil {
				// Handed off just before the deadline fired.
				lease, err := tp.adoptHandoff(s)
				if err != nil {
					return nil, OutcomeError, err
				}
				return lease, OutcomeWaited, nil
			}
			return nil, OutcomeTimeout, ErrPoolExhausted

		case <-ctx.Done():
			if s, ok := tp.cancelWaiter(ctx, w); ok && s != nil {
				// The caller is gone; park the session for others.
				tp.repark(ctx, s)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// A caller deadline elapsing while queued is the same
				// outcome as the tier's max wait elapsing.
				return nil, OutcomeTimeout, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
			}
			return nil, OutcomeError, ctx.Err()
		}
	}
}

// recheckAndLease synchronously probes an idle session whose last probe is
// stale, then hands it out on success. The probe runs without the pool lock.
// Returns (nil, nil) when the probe failed and the caller should retry with
// another candidate. Called with mu held; always returns with mu released.
func (tp *tenantPool) recheckAndLease(ctx context.Context, s *session.Session) (*session.Lease, error) {
	if err := s.Transition(session.StateProbing); err != nil {
		tp.mu.Unlock()
		return nil, err
	}
	probeTimeout := tp.limits.ProbeTimeout
	tp.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	perr := s.Transport().Ping(pctx)
	cancel()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		tp.closeSessionLocked(s, ReasonShutdown)
		return nil, ErrPoolClosed
	}

	s.TouchProbed(tp.svc.now())
	tp.svc.metrics.IncProbe(ctx, tp.tier.String(), perr == nil)

	if perr != nil {
		s.RecordFailure()
		if err := s.Transition(session.StateUnhealthy); err != nil {
			return nil, err
		}
		tp.startReconnectLocked(s)
		return nil, nil
	}

	s.ResetFailures()
	if err := s.Transition(session.StateIdle); err != nil {
		return nil, err
	}
	return tp.leaseLocked(s), nil
}

// leaseLocked transitions an idle session to Leased and registers a lease.
func (tp *tenantPool) leaseLocked(s *session.Session) *session.Lease {
	_ = s.Transition(session.StateLeased)
	lease := session.NewLease(s, tp.svc.now())
	tp.leases[lease.ID()] = s
	tp.svc.metrics.AddLeased(context.Background(), tp.tier.String(), 1)
	return lease
}

// adoptHandoff registers a lease for a session handed over by a releaser.
// The session is already in the Leased state.
func (tp *tenantPool) adoptHandoff(s *session.Session) (*session.Lease, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		tp.closeSessionLocked(s, ReasonShutdown)
		return nil, ErrPoolClosed
	}
	lease := session.NewLease(s, tp.svc.now())
	tp.leases[lease.ID()] = s
	tp.svc.metrics.AddLeased(context.Background(), tp.tier.String(), 1)
	return lease, nil
}

// dialAndLease creates a new session for the caller. A creation slot is
// already reserved; it is surrendered on any failure.
func (tp *tenantPool) dialAndLease(ctx context.Context) (*session.Lease, error) {
	transport, err := tp.svc.dialer.Dial(ctx, tp.cred)

	tp.mu.Lock()
	tp.creating--
	tier := tp.tier.String()

	if err != nil {
		tp.wakeOneLocked()
		tp.updateEmptyLocked()
		tp.mu.Unlock()
		if errors.Is(err, session.ErrAuthFailed) {
			// Fatal tenant-configuration error, never retried.
			return nil, err
		}
		return nil, fmt.Errorf("connecting to %s: %w", tp.cred.Addr(), err)
	}

	if tp.closed {
		tp.mu.Unlock()
		_ = transport.Close()
		tp.svc.metrics.IncSessionClosed(ctx, tier, ReasonShutdown)
		return nil, ErrPoolClosed
	}

	if ctx.Err() != nil {
		// Cancelled during establishment: discard the partial session and
		// surrender the capacity slot.
		tp.wakeOneLocked()
		tp.updateEmptyLocked()
		tp.mu.Unlock()
		_ = transport.Close()
		tp.svc.metrics.IncSessionClosed(ctx, tier, ReasonDialAborted)
		return nil, ctx.Err()
	}

	now := tp.svc.now()
	s := session.New(tp.tenantID, transport, now)
	_ = s.Transition(session.StateLeased)
	tp.sessions[s] = struct{}{}
	lease := session.NewLease(s, now)
	tp.leases[lease.ID()] = s
	tp.updateEmptyLocked()
	tp.mu.Unlock()

	tp.svc.metrics.IncSessionCreated(ctx, tier)
	tp.svc.metrics.AddLeased(ctx, tier, 1)
	return lease, nil
}

// release returns a leased session to the pool. When broken is set the
// leaseholder observed an in-use failure and the session enters the
// reconnection state machine instead of the idle set.
func (tp *tenantPool) release(ctx context.Context, lease *session.Lease, broken bool) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	first := lease.MarkReleased()
	s, ok := tp.leases[lease.ID()]
	if !first || !ok {
		return ErrStaleRelease
	}
	delete(tp.leases, lease.ID())
	tp.svc.metrics.AddLeased(ctx, tp.tier.String(), -1)

	if s.State() != session.StateLeased {
		// Destroyed externally while leased (shutdown force-close).
		tp.updateEmptyLocked()
		return ErrStaleRelease
	}

	s.TouchUsed(tp.svc.now())

	if tp.closed {
		tp.closeSessionLocked(s, ReasonShutdown)
		return nil
	}

	if broken {
		s.RecordFailure()
		if err := s.Transition(session.StateUnhealthy); err != nil {
			return err
		}
		tp.startReconnectLocked(s)
		return nil
	}

	if err := s.Transition(session.StateIdle); err != nil {
		return err
	}
	// Wakes at most the single longest-waiting request, preventing a
	// thundering herd on every release.
	tp.handoffOrParkLocked(ctx, s)
	return nil
}

// repark puts a handed-off session back after the recipient cancelled.
func (tp *tenantPool) repark(ctx context.Context, s *session.Session) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		tp.closeSessionLocked(s, ReasonShutdown)
		return
	}
	_ = s.Transition(session.StateIdle)
	tp.handoffOrParkLocked(ctx, s)
}

// cancelWaiter removes w from the queue. Handoffs are sent under the pool
// lock, so after acquiring it either w is still queued or a session is
// sitting in its buffer; the second return reports whether a drain happened.
func (tp *tenantPool) cancelWaiter(ctx context.Context, w *waiter) (*session.Session, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	for i, queued := range tp.waiters {
		if queued == w {
			tp.waiters = append(tp.waiters[:i], tp.waiters[i+1:]...)
			tp.svc.metrics.AddWaiters(ctx, tp.tier.String(), -1)
			return nil, false
		}
	}

	select {
	case s := <-w.ch:
		tp.svc.metrics.AddWaiters(ctx, tp.tier.String(), -1)
		return s, true
	default:
		return nil, false
	}
}

// wakeOneLocked signals the head waiter to retry after a capacity slot
// freed without a session to hand over.
func (tp *tenantPool) wakeOneLocked() {
	if len(tp.waiters) == 0 {
		return
	}
	w := tp.waiters[0]
	tp.waiters = tp.waiters[1:]
	w.ch <- nil
}

// closeSessionLocked removes a session from the owned set and closes its
// handle in the same step, then frees the capacity slot for a waiter.
func (tp *tenantPool) closeSessionLocked(s *session.Session, reason string) {
	delete(tp.sessions, s)
	for i, queued := range tp.idle {
		if queued == s {
			tp.idle = append(tp.idle[:i], tp.idle[i+1:]...)
			break
		}
	}
	_ = s.CloseTransport()
	tp.svc.metrics.IncSessionClosed(context.Background(), tp.tier.String(), reason)
	tp.wakeOneLocked()
	tp.updateEmptyLocked()
}

// updateEmptyLocked tracks when the pool last became fully empty so the
// reaper can prune the registry entry.
func (tp *tenantPool) updateEmptyLocked() {
	if len(tp.sessions) == 0 && tp.creating == 0 && len(tp.waiters) == 0 {
		if tp.emptySince.IsZero() {
			tp.emptySince = tp.svc.now()
		}
		return
	}
	tp.emptySince = time.Time{}
}

func (tp *tenantPool) isClosed() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.closed
}

// tierLimits reads the tier label and limits consistently; RefreshTier may
// replace them at runtime.
func (tp *tenantPool) tierLimits() (tenant.Tier, quota.Limits) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.tier, tp.limits
}

// stats counts the pool's sessions by state.
func (tp *tenantPool) stats() Stats {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	st := Stats{
		Capacity: tp.limits.MaxConnections,
		Waiters:  len(tp.waiters),
	}
	for s := range tp.sessions {
		switch s.State() {
		case session.StateIdle, session.StateProbing:
			st.Idle++
		case session.StateLeased:
			st.Leased++
		case session.StateUnhealthy, session.StateReconnecting:
			st.Unhealthy++
		}
	}
	return st
}

// drain stops new acquisitions and closes every session not currently
// leased. Waiters are woken so they observe the closed pool.
func (tp *tenantPool) drain() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.closed = true
	for _, w := range tp.waiters {
		w.ch <- nil
	}
	tp.waiters = nil

	for s := range tp.sessions {
		if s.State() != session.StateLeased {
			delete(tp.sessions, s)
			_ = s.CloseTransport()
			tp.svc.metrics.IncSessionClosed(context.Background(), tp.tier.String(), ReasonShutdown)
		}
	}
	tp.idle = nil
}

// forceClose closes everything, leased sessions included.
func (tp *tenantPool) forceClose() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	for s := range tp.sessions {
		delete(tp.sessions, s)
		_ = s.CloseTransport()
		tp.svc.metrics.IncSessionClosed(context.Background(), tp.tier.String(), ReasonShutdown)
	}
	tp.idle = nil
}

// leasedCount reports outstanding leases, used while draining.
func (tp *tenantPool) leasedCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.leases)
}
