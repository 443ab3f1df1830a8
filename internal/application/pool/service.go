// Package pool manages persistent file-transfer sessions across tenants.
// Each tenant gets its own capacity-limited pool with FIFO fairness; a
// background prober and reaper keep idle sessions healthy and fresh. A
// saturated or failing tenant never blocks acquisitions for another: all
// mutable state is guarded per tenant, and no lock is held across network
// I/O.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/towerstats/transferpool/internal/domain/quota"
	"github.com/towerstats/transferpool/internal/domain/session"
	"github.com/towerstats/transferpool/internal/domain/tenant"
	"github.com/towerstats/transferpool/pkg/common/logger"
	"github.com/towerstats/transferpool/pkg/common/timeutil"
)

// Config holds the service-level knobs that are not tier-scoped.
type Config struct {
	// ProbeSweepInterval is the tick of the shared prober loop. Per-tier
	// probe intervals are enforced on top of it.
	ProbeSweepInterval time.Duration
	// ReapInterval is the tick of the reaper loop.
	ReapInterval time.Duration
	// DialTimeout bounds connection establishment during reconnects.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeSweepInterval <= 0 {
		c.ProbeSweepInterval = 5 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Stats is a point-in-time view of one tenant's pool, exposed for the
// telemetry collaborator.
type Stats struct {
	Idle      int `json:"idle"`
	Leased    int `json:"leased"`
	Unhealthy int `json:"unhealthy"`
	Capacity  int `json:"capacity"`
	Waiters   int `json:"waiters"`
}

// Service is the process-wide pool registry. It maps tenant IDs to their
// pools, creating them lazily on first acquisition.
type Service struct {
	cfg     Config
	dialer  session.Dialer
	creds   tenant.CredentialStore
	tiers   tenant.TierSource
	policy  *quota.Policy
	metrics Metrics
	log     *logger.Logger
	tracer  trace.Tracer

	// clock is injectable for tests exercising idle and staleness timing.
	clock timeutil.Provider

	mu     sync.RWMutex
	pools  map[tenant.ID]*tenantPool
	closed bool

	done chan struct{}
	bg   sync.WaitGroup
}

// NewService creates the pool service. Background sweeps do not run until
// Start is called.
func NewService(
	cfg Config,
	dialer session.Dialer,
	creds tenant.CredentialStore,
	tiers tenant.TierSource,
	policy *quota.Policy,
	metrics Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:     cfg,
		dialer:  dialer,
		creds:   creds,
		tiers:   tiers,
		policy:  policy,
		metrics: metrics,
		log:     log.With("component", "transfer_pool"),
		tracer:  tracer,
		clock:   timeutil.Default(),
		pools:   make(map[tenant.ID]*tenantPool),
		done:    make(chan struct{}),
	}
}

// Start launches the prober and reaper loops. They stop on Shutdown or when
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.bg.Add(2)
	go s.runProber(ctx)
	go s.runReaper(ctx)
	s.log.Info(ctx, "pool background sweeps started",
		"probe_sweep_interval", s.cfg.ProbeSweepInterval.String(),
		"reap_interval", s.cfg.ReapInterval.String())
}

// Acquire leases a transfer session for the tenant. The caller's context
// carries the acquisition deadline; queue time is additionally bounded by
// the tenant tier's max wait. The returned lease must be released exactly
// once.
func (s *Service) Acquire(ctx context.Context, tenantID tenant.ID) (*session.Lease, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "pool.Acquire", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
	))
	defer span.End()

	tp, err := s.tenantPool(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolving tenant pool")
		s.metrics.IncAcquire(ctx, "unknown", OutcomeError)
		return nil, err
	}

	lease, outcome, err := tp.acquire(ctx)
	tier, limits := tp.tierLimits()
	s.metrics.IncAcquire(ctx, tier.String(), outcome)
	s.metrics.ObserveAcquireLatency(ctx, tier.String(), s.now().Sub(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquisition failed")
		if errors.Is(err, ErrPoolExhausted) {
			s.log.Warn(ctx, "acquisition timed out waiting for capacity",
				"tenant_id", tenantID.String(), "max_wait", limits.MaxWait.String())
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("lease_id", lease.ID()), attribute.String("outcome", outcome))
	span.SetStatus(codes.Ok, "session leased")
	return lease, nil
}

// Release returns a leased session to its tenant pool. Double and stale
// releases are reported as ErrStaleRelease and are otherwise harmless.
func (s *Service) Release(lease *session.Lease) error {
	return s.release(lease, false)
}

// ReleaseBroken returns a leased session the caller observed failing in
// use. The session enters the reconnection state machine instead of the
// idle set.
func (s *Service) ReleaseBroken(lease *session.Lease) error {
	return s.release(lease, true)
}

func (s *Service) release(lease *session.Lease, broken bool) error {
	ctx := context.Background()
	ctx, span := s.tracer.Start(ctx, "pool.Release", trace.WithAttributes(
		attribute.String("tenant_id", lease.TenantID().String()),
		attribute.String("lease_id", lease.ID()),
		attribute.Bool("broken", broken),
	))
	defer span.End()

	s.mu.RLock()
	tp, ok := s.pools[lease.TenantID()]
	s.mu.RUnlock()
	if !ok {
		// A pool with outstanding leases is never pruned, so the entry
		// can only be missing for a stale token.
		span.SetStatus(codes.Error, "no pool for lease")
		s.log.Warn(ctx, "stale release: no pool for lease",
			"tenant_id", lease.TenantID().String(), "lease_id", lease.ID())
		return ErrStaleRelease
	}

	if err := tp.release(ctx, lease, broken); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrStaleRelease) {
			// A caller bug, not a pool fault. Reported and tolerated.
			s.log.Warn(ctx, "stale lease release",
				"tenant_id", lease.TenantID().String(), "lease_id", lease.ID())
		}
		return err
	}

	span.SetStatus(codes.Ok, "session released")
	return nil
}

// Stats reports the tenant's pool counters. Tenants without a pool yet
// report zero values.
func (s *Service) Stats(tenantID tenant.ID) Stats {
	s.mu.RLock()
	tp, ok := s.pools[tenantID]
	s.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	return tp.stats()
}

// TenantIDs lists the tenants that currently have a pool.
func (s *Service) TenantIDs() []tenant.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]tenant.ID, 0, len(s.pools))
	for id := range s.pools {
		ids = append(ids, id)
	}
	return ids
}

// RefreshTier re-reads the tenant's tier and applies the new limits. The
// change is lazy: existing sessions are untouched and the new capacity is
// enforced on the next acquisition and eviction cycle.
func (s *Service) RefreshTier(ctx context.Context, tenantID tenant.ID) error {
	s.mu.RLock()
	tp, ok := s.pools[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	tier, err := s.tiers.GetTier(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("reading tier for tenant %s: %w", tenantID, err)
	}
	limits, err := s.policy.Limits(tier)
	if err != nil {
		return err
	}

	tp.mu.Lock()
	changed := tp.tier != tier
	tp.tier = tier
	tp.limits = limits
	tp.mu.Unlock()

	if changed {
		s.log.Info(ctx, "tenant tier updated",
			"tenant_id", tenantID.String(), "tier", tier.String())
	}
	return nil
}

// Shutdown stops accepting acquisitions, waits for outstanding leases to be
// released until ctx's deadline, then force-closes whatever remains.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pools := make([]*tenantPool, 0, len(s.pools))
	for _, tp := range s.pools {
		pools = append(pools, tp)
	}
	s.mu.Unlock()

	close(s.done)
	for _, tp := range pools {
		tp.drain()
	}

	drained := s.waitForLeases(ctx, pools)

	for _, tp := range pools {
		tp.forceClose()
	}
	s.bg.Wait()

	if !drained {
		s.log.Warn(ctx, "drain deadline elapsed, force-closed leased sessions")
		return ctx.Err()
	}
	s.log.Info(ctx, "pool shut down cleanly")
	return nil
}

// waitForLeases blocks until every pool's leases are back or ctx expires.
func (s *Service) waitForLeases(ctx context.Context, pools []*tenantPool) bool {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		outstanding := 0
		for _, tp := range pools {
			outstanding += tp.leasedCount()
		}
		if outstanding == 0 {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// tenantPool resolves or creates the pool for a tenant. Creation is
// race-free: the registry lock covers only the map, while the credential
// and tier reads run once per pool outside it.
func (s *Service) tenantPool(ctx context.Context, tenantID tenant.ID) (*tenantPool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrPoolClosed
	}
	tp, ok := s.pools[tenantID]
	if !ok {
		tp = newTenantPool(tenantID, s)
		s.pools[tenantID] = tp
	}
	s.mu.Unlock()

	if err := tp.init(ctx); err != nil {
		// Drop the failed entry so a later acquisition can retry with
		// fixed configuration.
		s.mu.Lock()
		if s.pools[tenantID] == tp {
			delete(s.pools, tenantID)
		}
		s.mu.Unlock()
		return nil, err
	}
	return tp, nil
}

func (s *Service) now() time.Time { return s.clock.Now() }

func (s *Service) snapshot() []*tenantPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tenantPool, 0, len(s.pools))
	for _, tp := range s.pools {
		out = append(out, tp)
	}
	return out
}

func (s *Service) snapshotWithIDs() map[tenant.ID]*tenantPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[tenant.ID]*tenantPool, len(s.pools))
	for id, tp := range s.pools {
		out[id] = tp
	}
	return out
}
