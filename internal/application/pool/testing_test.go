package pool

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/towerstats/transferpool/internal/domain/quota"
	"github.com/towerstats/transferpool/internal/domain/session"
	"github.com/towerstats/transferpool/internal/domain/tenant"
	"github.com/towerstats/transferpool/pkg/common/logger"
)

// stubTransport is an in-memory session.Transport whose liveness can be
// flipped from the test.
type stubTransport struct {
	mu      sync.Mutex
	pingErr error
	closed  bool
	pings   int
}

func (t *stubTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return t.pingErr
}

func (t *stubTransport) List(ctx context.Context, path string) ([]os.FileInfo, error) {
	return nil, nil
}

func (t *stubTransport) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *stubTransport) setPingErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingErr = err
}

func (t *stubTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *stubTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

// stubDialer manufactures stubTransports. failures > 0 fails that many dials
// with failErr; failures < 0 fails every dial.
type stubDialer struct {
	mu         sync.Mutex
	dials      int
	failures   int
	failErr    error
	delay      time.Duration
	transports []*stubTransport
}

func (d *stubDialer) Dial(ctx context.Context, cred *tenant.Credential) (session.Transport, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, d.failErr
	}
	tr := &stubTransport{}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *stubDialer) setFailures(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
	d.failErr = err
}

func (d *stubDialer) transport(i int) *stubTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// stubStore serves credentials from a map, implementing both the credential
// store and the tier source.
type stubStore struct {
	mu    sync.Mutex
	creds map[tenant.ID]*tenant.Credential
	err   error
}

func newStubStore(creds ...*tenant.Credential) *stubStore {
	m := make(map[tenant.ID]*tenant.Credential, len(creds))
	for _, c := range creds {
		m[c.TenantID] = c
	}
	return &stubStore{creds: m}
}

func (s *stubStore) GetCredential(ctx context.Context, id tenant.ID) (*tenant.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.creds[id]
	if !ok {
		return nil, tenant.ErrCredentialNotFound
	}
	return c, nil
}

func (s *stubStore) GetTier(ctx context.Context, id tenant.ID) (tenant.Tier, error) {
	c, err := s.GetCredential(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Tier, nil
}

func (s *stubStore) put(c *tenant.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.TenantID] = c
}

func testCredential(id tenant.ID, tier tenant.Tier) *tenant.Credential {
	return &tenant.Credential{
		TenantID: id,
		Host:     "files.example.com",
		Port:     2022,
		Username: "gamesvc",
		Password: "secret",
		Tier:     tier,
	}
}

// testLimits returns tight limits suitable for fake-clock tests; mutators
// adjust individual fields.
func testLimits(mutators ...func(*quota.Limits)) quota.Limits {
	l := quota.Limits{
		MaxConnections:       2,
		IdleTimeout:          time.Minute,
		MaxWait:              100 * time.Millisecond,
		ProbeInterval:        30 * time.Second,
		ProbeTimeout:         time.Second,
		RecheckAge:           90 * time.Second,
		MaxReconnectAttempts: 3,
		BackoffBase:          10 * time.Millisecond,
		BackoffMax:           80 * time.Millisecond,
		PoolIdleTimeout:      10 * time.Minute,
	}
	for _, m := range mutators {
		m(&l)
	}
	return l
}

func testPolicy(limits quota.Limits) *quota.Policy {
	return quota.NewPolicy(map[tenant.Tier]quota.Limits{
		tenant.TierFree:       limits,
		tenant.TierPro:        limits,
		tenant.TierEnterprise: limits,
	})
}

// recordingMetrics counts closed-session reasons; all other measurements
// are discarded.
type recordingMetrics struct {
	NopMetrics
	mu     sync.Mutex
	closed map[string]int
}

func (m *recordingMetrics) IncSessionClosed(_ context.Context, _ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed == nil {
		m.closed = make(map[string]int)
	}
	m.closed[reason]++
}

func (m *recordingMetrics) closedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[reason]
}

func newTestService(t *testing.T, d session.Dialer, store *stubStore, policy *quota.Policy) *Service {
	t.Helper()
	return newTestServiceWithMetrics(t, d, store, policy, NopMetrics{})
}

func newTestServiceWithMetrics(t *testing.T, d session.Dialer, store *stubStore, policy *quota.Policy, m Metrics) *Service {
	t.Helper()
	return NewService(
		Config{
			ProbeSweepInterval: 10 * time.Millisecond,
			ReapInterval:       10 * time.Millisecond,
			DialTimeout:        time.Second,
		},
		d,
		store,
		store,
		policy,
		m,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}
