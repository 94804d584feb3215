// Package api implements the HTTP surface for the assistant: a
// streaming chat endpoint, a WebSocket variant for interactive UIs, and
// small introspection endpoints for health, models, and usage.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oslund/steward/internal/buildinfo"
	"github.com/oslund/steward/internal/chat"
	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/llm"
	"github.com/oslund/steward/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	cfg     *config.Config
	svc     *chat.Service
	usage   *usage.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. The usage store is optional; without
// it the usage endpoints return 404.
func NewServer(cfg *config.Config, svc *chat.Service, store *usage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Listen.Address,
		port:    cfg.Listen.Port,
		cfg:     cfg,
		svc:     svc,
		usage:   store,
		logger:  logger,
	}
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Chat endpoints
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Introspection endpoints
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Usage endpoints
	if s.usage != nil {
		mux.HandleFunc("GET /api/usage/summary", s.handleUsageSummary)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // turns stream for as long as the loop runs
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Steward",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"default": s.cfg.Models.Default,
		"models":  s.cfg.Models.Available,
	}, s.logger)
}

// ChatRequest is the chat endpoint request body.
type ChatRequest struct {
	Message string        `json:"message"`
	History []llm.Message `json:"history,omitempty"`
	Model   string        `json:"model,omitempty"`
}

// handleChat streams history snapshots as NDJSON: one JSON array per
// line, the last line carrying the final answer.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Models.Default
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	for snapshot := range s.svc.Chat(r.Context(), req.Message, req.History, model) {
		if err := encoder.Encode(snapshot); err != nil {
			s.logger.Debug("chat stream write failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleUsageSummary reports aggregated turn totals for the last N days
// (default 7), grouped overall, by model, and by status.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid days parameter", http.StatusBadRequest)
			return
		}
		days = parsed
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary query failed", "error", err)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}
	byModel, err := s.usage.SummaryByModel(start, end)
	if err != nil {
		s.logger.Error("usage summary query failed", "error", err)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}
	byStatus, err := s.usage.SummaryByStatus(start, end)
	if err != nil {
		s.logger.Error("usage summary query failed", "error", err)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"days":      days,
		"total":     total,
		"by_model":  byModel,
		"by_status": byStatus,
	}, s.logger)
}
