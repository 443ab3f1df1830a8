// Package common provides shared utilities for the system.
package common

import (
	"log"
	"net/http"
	"sync/atomic"
)

// HealthServer implements health check endpoints for Kubernetes probes.
// The readiness flag is flipped off when the pool begins draining so the
// service stops receiving traffic before sessions are force-closed.
type HealthServer struct {
	ready  *atomic.Bool // Indicates if the service is ready to receive traffic
	server *http.Server
}

// NewHealthServer creates and starts a new health check server on addr.
// When ready is false, the readiness endpoint returns 503 Service Unavailable.
func NewHealthServer(addr string, ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()
	server := &http.Server{Addr: addr, Handler: mux}
	hs := &HealthServer{
		ready:  ready,
		server: server,
	}

	mux.HandleFunc("/v1/readiness", hs.readinessHandler)
	mux.HandleFunc("/v1/health", hs.healthHandler)

	// Start server in background goroutine
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health server error: %v", err)
		}
	}()

	return hs
}

// readinessHandler responds to readiness probe requests based on the ready flag.
func (h *HealthServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "Not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// healthHandler responds to liveness probe requests.
func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Server returns the underlying http.Server instance so the caller can shut
// it down during process exit.
func (h *HealthServer) Server() *http.Server { return h.server }
