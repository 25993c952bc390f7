/**
 * HTTP surface for the Grading Worker
 *
 * Health, Prometheus metrics, stored results and similar-essay lookup.
 */

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/grading-worker/internal/logging"
	"github.com/adverant/nexus/grading-worker/internal/storage"
)

// Store is the storage surface the handler reads from
type Store interface {
	Ping(ctx context.Context) error
	GetGradingResult(ctx context.Context, sessionID string) (*storage.GradingRecord, error)
	SearchSimilarEssays(ctx context.Context, text string, limit int) ([]*storage.SimilarEssay, error)
}

// StatsFunc contributes one section of the /stats document
type StatsFunc func(ctx context.Context) (interface{}, error)

// Handler serves the worker's HTTP endpoints
type Handler struct {
	store    Store
	gatherer prometheus.Gatherer
	stats    map[string]StatsFunc
	logger   *logging.Logger
}

// New creates a handler. gatherer defaults to the global registry.
func New(store Store, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		store:    store,
		gatherer: gatherer,
		stats:    make(map[string]StatsFunc),
		logger:   logging.NewLogger("HTTP"),
	}
}

// AddStats registers a named /stats section
func (h *Handler) AddStats(name string, fn StatsFunc) {
	h.stats[name] = fn
}

// Router builds the chi router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/stats", h.handleStats)

	r.Route("/api/grading", func(r chi.Router) {
		r.Get("/results/{sessionID}", h.handleGetResult)
		r.Post("/similar", h.handleSimilar)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		writeJson(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{}, len(h.stats))
	for name, fn := range h.stats {
		v, err := fn(r.Context())
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = v
	}
	writeJson(w, http.StatusOK, out)
}

type resultResponse struct {
	SessionID   string      `json:"sessionId"`
	EssayID     string      `json:"essayId,omitempty"`
	UserID      string      `json:"userId"`
	Markers     interface{} `json:"markers"`
	Score       interface{} `json:"score"`
	CompletedAt time.Time   `json:"completedAt"`
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.store.GetGradingResult(r.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load grading result", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, nil)
		return
	}

	writeJson(w, http.StatusOK, resultResponse{
		SessionID:   rec.SessionID,
		EssayID:     rec.EssayID,
		UserID:      rec.UserID,
		Markers:     rec.Result.Markers,
		Score:       rec.Result.Score,
		CompletedAt: rec.CompletedAt,
	})
}

const (
	defaultSimilarLimit = 10
	maxSimilarLimit     = 50
)

type similarRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

func (h *Handler) handleSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	switch {
	case req.Limit <= 0:
		req.Limit = defaultSimilarLimit
	case req.Limit > maxSimilarLimit:
		req.Limit = maxSimilarLimit
	}

	hits, err := h.store.SearchSimilarEssays(r.Context(), req.Text, req.Limit)
	if err != nil {
		h.logger.Error("Similar essay search failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"results": hits})
}

func writeJson(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	text := http.StatusText(code)
	if err != nil {
		text = err.Error()
	}
	writeJson(w, code, map[string]string{"error": text})
}
