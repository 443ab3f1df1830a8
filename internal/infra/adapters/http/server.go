// Package http exposes the operational HTTP surface: per-tenant pool stats
// and a tier refresh hook for billing-plan changes.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/towerstats/transferpool/internal/application/pool"
	"github.com/towerstats/transferpool/internal/domain/tenant"
	"github.com/towerstats/transferpool/pkg/common/logger"
)

// Server serves the stats and admin endpoints.
type Server struct {
	svc *pool.Service
	log *logger.Logger
}

// NewServer builds the operational handler around the pool service.
func NewServer(svc *pool.Service, log *logger.Logger) *Server {
	return &Server{svc: svc, log: log.With("component", "http")}
}

// Handler returns the routed handler for the operational endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/pools", s.handleListPools)
	mux.HandleFunc("GET /v1/pools/{tenantID}", s.handleTenantPool)
	mux.HandleFunc("POST /v1/pools/{tenantID}/tier/refresh", s.handleRefreshTier)
	return mux
}

type poolStatsResponse struct {
	TenantID string `json:"tenant_id"`
	pool.Stats
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	ids := s.svc.TenantIDs()
	out := make([]poolStatsResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, poolStatsResponse{
			TenantID: id.String(),
			Stats:    s.svc.Stats(id),
		})
	}
	s.respond(w, r, http.StatusOK, out)
}

func (s *Server) handleTenantPool(w http.ResponseWriter, r *http.Request) {
	id := tenant.ID(r.PathValue("tenantID"))
	s.respond(w, r, http.StatusOK, poolStatsResponse{
		TenantID: id.String(),
		Stats:    s.svc.Stats(id),
	})
}

func (s *Server) handleRefreshTier(w http.ResponseWriter, r *http.Request) {
	id := tenant.ID(r.PathValue("tenantID"))
	if err := s.svc.RefreshTier(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tenant.ErrCredentialNotFound) {
			status = http.StatusNotFound
		}
		s.log.Error(r.Context(), "tier refresh failed", "tenant_id", id.String(), "error", err)
		s.respond(w, r, status, map[string]string{"error": err.Error()})
		return
	}
	s.respond(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error(r.Context(), "writing response", "error", err)
	}
}
