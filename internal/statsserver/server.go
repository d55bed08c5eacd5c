// Package statsserver exposes a pool's runtime status over HTTP: /stats for
// the per-server STAT maps (§4.E's stats operation), /healthz for a liveness
// probe, and /metrics for Prometheus scraping (SPEC_FULL.md component J,
// grounded on the teacher's internal/api/server.go).
package statsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-memcached/memcached"
	"github.com/go-memcached/memcached/internal/metrics"
)

// Server is the HTTP stats/health/metrics endpoint for a Pool.
type Server struct {
	pool       *memcached.Pool
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	log        *slog.Logger
}

// New creates a stats server fronting pool. m may be nil, in which case no
// /metrics route is registered.
func New(pool *memcached.Pool, m *metrics.Collector) *Server {
	return &Server{
		pool:      pool,
		metrics:   m,
		startTime: time.Now(),
		log:       slog.Default().With("component", "statsserver"),
	}
}

// Start begins serving on bind:port. It returns once the listener is up;
// the HTTP server itself runs in a background goroutine.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("stats server listening", "addr", addr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("stats server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the stats server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	targets := r.URL.Query()["server"]
	stats := s.pool.Stats(targets)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.pool.IsInitialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_initialized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
