package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/core/failure"
	"github.com/vietddude/queryflow/internal/infra/storage"
	"github.com/vietddude/queryflow/internal/metrics"
)

const maxRequestBodySize = 1 << 20 // 1MB

// statusForKind maps a settled failure to the HTTP status of the API response.
var statusForKind = map[failure.Kind]int{
	failure.KindValidation:     http.StatusBadRequest,
	failure.KindAuthentication: http.StatusUnauthorized,
	failure.KindAPILimit:       http.StatusTooManyRequests,
	failure.KindTimeout:        http.StatusGatewayTimeout,
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req domain.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	res := s.deps.Orchestrator.SendQuery(r.Context(), req)

	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
		if res.Error != nil {
			if c, ok := statusForKind[res.Error.Kind]; ok {
				code = c
			}
		}
	}
	writeJSON(w, code, res)
}

type cacheInfo struct {
	Entries   int   `json:"entries"`
	TotalHits int   `json:"totalHits"`
	Bytes     int   `json:"estimatedBytes"`
	TTLMs     int64 `json:"ttlMs"`
}

type metricsResponse struct {
	Snapshot metrics.Snapshot `json:"snapshot"`
	Cache    cacheInfo        `json:"cache"`
	State    string           `json:"state"`
	Samples  []metrics.Sample `json:"samples,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	o := s.deps.Orchestrator
	c := o.Cache()

	resp := metricsResponse{
		Snapshot: o.Recorder().Snapshot(),
		Cache: cacheInfo{
			Entries:   c.Len(),
			TotalHits: c.TotalHits(),
			Bytes:     c.EstimatedBytes(),
			TTLMs:     c.TTL().Milliseconds(),
		},
		State: string(o.State()),
	}
	if r.URL.Query().Get("samples") == "true" {
		resp.Samples = o.Recorder().Samples()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.ClearCache(r.Context()); err != nil {
		// Memory tier is already empty here; only the shared tier failed.
		httpError(w, http.StatusBadGateway, "api_error", "failed to clear shared cache: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type invalidateRequest struct {
	Message string `json:"message"`
	Persona string `json:"persona"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Message == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
		return
	}

	removed := s.deps.Orchestrator.Invalidate(r.Context(), req.Message, req.Persona)
	writeJSON(w, http.StatusOK, map[string]bool{"invalidated": removed})
}

func (s *Server) handleRetries(w http.ResponseWriter, r *http.Request) {
	ex := s.deps.Orchestrator.Executor()
	cfg := ex.Config()

	writeJSON(w, http.StatusOK, map[string]any{
		"config": map[string]any{
			"maxRetries":        cfg.MaxRetries,
			"retryDelayMs":      cfg.BaseDelay.Milliseconds(),
			"backoffMultiplier": cfg.BackoffMultiplier,
			"timeoutMs":         cfg.Timeout.Milliseconds(),
		},
		"states": nonNil(ex.States()),
	})
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	personas := domain.Personas
	if s.deps.Personas != nil {
		list, err := s.deps.Personas.Personas(r.Context())
		if err != nil {
			s.log.Warn("Failed to list personas, using defaults", "error", err)
		} else if len(list) > 0 {
			personas = list
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"personas": personas})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		httpError(w, http.StatusNotFound, "not_found_error", "history is not enabled")
		return
	}

	q := r.URL.Query()
	filter := storage.HistoryFilter{Persona: q.Get("persona")}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid success: %q", v)
			return
		}
		filter.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit: %q", v)
			return
		}
		filter.Limit = n
	}

	records, err := s.deps.History.List(r.Context(), filter)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(records)})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		httpError(w, http.StatusNotFound, "not_found_error", "history is not enabled")
		return
	}

	rec, err := s.deps.History.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrHistoryNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "history record not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		httpError(w, http.StatusNotFound, "not_found_error", "history is not enabled")
		return
	}

	err := s.deps.History.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrHistoryNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "history record not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to delete history: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
