package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/queryflow/internal/infra/storage"
	"github.com/vietddude/queryflow/internal/orchestrator"
)

// PersonaLister lists the personas the query service supports.
type PersonaLister interface {
	Personas(ctx context.Context) ([]string, error)
}

// Deps are the collaborators of the HTTP server. History and Personas are
// optional.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Monitor      *Monitor
	History      storage.HistoryRepository
	Personas     PersonaLister
}

// Server provides the health, metrics, API and websocket endpoints.
type Server struct {
	deps   Deps
	hub    *Hub
	server *http.Server
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewServer creates a new server listening on port.
func NewServer(deps Deps, port int) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		hub:    NewHub(ctx, deps.Orchestrator.Tracer()),
		cancel: cancel,
		log:    slog.Default().With("component", "http"),
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Get("/metrics", s.handleMetrics)
		r.Delete("/cache", s.handleClearCache)
		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/retries", s.handleRetries)
		r.Get("/personas", s.handlePersonas)
		r.Get("/history", s.handleListHistory)
		r.Get("/history/{id}", s.handleGetHistory)
		r.Delete("/history/{id}", s.handleDeleteHistory)
	})

	return r
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server and closes websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.CheckHealth(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
