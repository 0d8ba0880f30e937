package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"flowershop-bot/internal/crm"
	"flowershop-bot/internal/ledger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies exposes core dependencies to admin handlers.
type Dependencies struct {
	Ledger ledger.Store
	CRM    *crm.Client
}

// Server wraps an http.Server with health, metrics and admin routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	deps       Dependencies
}

// New creates an HTTP server listening on addr.
func New(addr string, logger *slog.Logger, deps Dependencies) *Server {
	server := &Server{
		logger: logger.With("component", "http"),
		deps:   deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/reload-product-cache", server.handleReloadProductCache)
	mux.HandleFunc("/admin/recent-errors", server.handleRecentErrors)
	mux.HandleFunc("/admin/monitoring-stats", server.handleMonitoringStats)
	mux.HandleFunc("/admin/database-stats", server.handleDatabaseStats)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.Ping(r.Context()); err != nil {
			s.logger.Error("ledger health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			status = "degraded"
		}
	}
	writeJSON(w, map[string]string{"status": status})
}

func (s *Server) handleReloadProductCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.CRM == nil {
		http.Error(w, "crm client unavailable", http.StatusServiceUnavailable)
		return
	}

	s.deps.CRM.InvalidateStores()
	images, err := s.deps.CRM.ReloadProductImages(r.Context())
	if err != nil {
		s.logger.Error("product cache reload failed", "error", err)
		http.Error(w, "failed reloading product cache", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status":   "ok",
		"articles": len(images),
	})
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Ledger == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 50)
	errors, err := s.deps.Ledger.RecentErrors(r.Context(), hours, limit)
	if err != nil {
		s.logger.Error("recent errors query failed", "error", err)
		http.Error(w, "failed querying error log", http.StatusInternalServerError)
		return
	}

	type errorEntry struct {
		Type      string    `json:"type"`
		Message   string    `json:"message"`
		OrderID   int64     `json:"order_id,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}
	entries := make([]errorEntry, 0, len(errors))
	for _, rec := range errors {
		entries = append(entries, errorEntry{
			Type:      rec.Type,
			Message:   rec.Message,
			OrderID:   rec.OrderID,
			Timestamp: rec.Timestamp,
		})
	}
	writeJSON(w, map[string]any{
		"hours":  hours,
		"count":  len(entries),
		"errors": entries,
	})
}

func (s *Server) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Ledger == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	hours := queryInt(r, "hours", 24)
	stats, err := s.deps.Ledger.MonitoringStats(r.Context(), hours)
	if err != nil {
		s.logger.Error("monitoring stats query failed", "error", err)
		http.Error(w, "failed querying monitoring stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Ledger == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.deps.Ledger.DatabaseStats(r.Context())
	if err != nil {
		s.logger.Error("database stats query failed", "error", err)
		http.Error(w, "failed querying database stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}
