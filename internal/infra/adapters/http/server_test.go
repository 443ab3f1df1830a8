package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/towerstats/transferpool/internal/application/pool"
	"github.com/towerstats/transferpool/internal/domain/quota"
	"github.com/towerstats/transferpool/internal/domain/session"
	"github.com/towerstats/transferpool/internal/domain/tenant"
	"github.com/towerstats/transferpool/pkg/common/logger"
)

type fakeTransport struct{}

func (fakeTransport) Ping(ctx context.Context) error { return nil }
func (fakeTransport) List(ctx context.Context, path string) ([]os.FileInfo, error) {
	return nil, nil
}
func (fakeTransport) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, nil
}
func (fakeTransport) Close() error { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, cred *tenant.Credential) (session.Transport, error) {
	return fakeTransport{}, nil
}

type fakeStore struct{ creds map[tenant.ID]*tenant.Credential }

func (f fakeStore) GetCredential(ctx context.Context, id tenant.ID) (*tenant.Credential, error) {
	c, ok := f.creds[id]
	if !ok {
		return nil, tenant.ErrCredentialNotFound
	}
	return c, nil
}

func (f fakeStore) GetTier(ctx context.Context, id tenant.ID) (tenant.Tier, error) {
	c, err := f.GetCredential(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Tier, nil
}

func newTestHandler(t *testing.T) (http.Handler, *pool.Service) {
	t.Helper()

	store := fakeStore{creds: map[tenant.ID]*tenant.Credential{
		"guild-1": {
			TenantID: "guild-1",
			Host:     "files.example.com",
			Port:     2022,
			Username: "gamesvc",
			Password: "secret",
			Tier:     tenant.TierFree,
		},
	}}

	svc := pool.NewService(
		pool.Config{},
		fakeDialer{},
		store,
		store,
		quota.Default(),
		pool.NopMetrics{},
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	return NewServer(svc, logger.Noop()).Handler(), svc
}

func TestHandleTenantPool(t *testing.T) {
	handler, svc := newTestHandler(t)

	lease, err := svc.Acquire(context.Background(), "guild-1")
	require.NoError(t, err)
	defer func() { _ = svc.Release(lease) }()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pools/guild-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		TenantID string `json:"tenant_id"`
		Leased   int    `json:"leased"`
		Capacity int    `json:"capacity"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "guild-1", body.TenantID)
	assert.Equal(t, 1, body.Leased)
	assert.Equal(t, 2, body.Capacity)
}

func TestHandleListPools(t *testing.T) {
	handler, svc := newTestHandler(t)

	lease, err := svc.Acquire(context.Background(), "guild-1")
	require.NoError(t, err)
	require.NoError(t, svc.Release(lease))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pools", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "guild-1", body[0]["tenant_id"])
}

func TestHandleRefreshTier_UnknownTenant(t *testing.T) {
	handler, svc := newTestHandler(t)

	// A pool must exist for the refresh to hit the store at all; an
	// unknown tenant with no pool is a quiet no-op.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pools/no-such-guild/tier/refresh", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	lease, err := svc.Acquire(context.Background(), "guild-1")
	require.NoError(t, err)
	require.NoError(t, svc.Release(lease))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pools/guild-1/tier/refresh", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugMux(t *testing.T) {
	mux, err := DebugMux()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
