package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/grading-worker/internal/markup"
	"github.com/adverant/nexus/grading-worker/internal/storage"
)

type fakeStore struct {
	pingErr error
	records map[string]*storage.GradingRecord
	hits    []*storage.SimilarEssay
	query   string
	limit   int
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) GetGradingResult(ctx context.Context, sessionID string) (*storage.GradingRecord, error) {
	if rec, ok := f.records[sessionID]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("grading result %s: %w", sessionID, storage.ErrNotFound)
}

func (f *fakeStore) SearchSimilarEssays(ctx context.Context, text string, limit int) ([]*storage.SimilarEssay, error) {
	f.query, f.limit = text, limit
	return f.hits, nil
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	store := &fakeStore{}
	h := New(store, prometheus.NewRegistry())

	if rec := serve(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	store.pingErr = errors.New("connection refused")
	rec := serve(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := serve(New(&fakeStore{}, reg), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "grading_test_total 1") {
		t.Errorf("metrics body missing counter: %s", rec.Body.String())
	}
}

func TestGetResult(t *testing.T) {
	store := &fakeStore{records: map[string]*storage.GradingRecord{
		"s1": {
			SessionID: "s1",
			UserID:    "u1",
			Result: markup.StreamingParseResult{
				Markers: []markup.Marker{{Kind: markup.KindText, Content: "hi"}},
				Score:   &markup.ParsedScore{Total: 9, MaxTotal: 10, Grade: markup.GradeExcellent, IsComplete: true},
			},
			CompletedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}}
	h := New(store, prometheus.NewRegistry())

	rec := serve(h, http.MethodGet, "/api/grading/results/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		SessionID string          `json:"sessionId"`
		Markers   []markup.Marker `json:"markers"`
		Score     *markup.ParsedScore
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.SessionID != "s1" || len(body.Markers) != 1 || body.Score == nil || body.Score.Grade != markup.GradeExcellent {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	if rec := serve(h, http.MethodGet, "/api/grading/results/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rec.Code)
	}
}

func TestSimilar(t *testing.T) {
	store := &fakeStore{hits: []*storage.SimilarEssay{{SessionID: "s9", Similarity: 0.9}}}
	h := New(store, prometheus.NewRegistry())

	rec := serve(h, http.MethodPost, "/api/grading/similar", `{"text":"my essay","limit":500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if store.query != "my essay" || store.limit != 50 {
		t.Errorf("query=%q limit=%d, want limit capped at 50", store.query, store.limit)
	}
	if !strings.Contains(rec.Body.String(), `"sessionId":"s9"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	if rec := serve(h, http.MethodPost, "/api/grading/similar", `{"text":"my essay"}`); rec.Code != http.StatusOK || store.limit != 10 {
		t.Errorf("default limit: status=%d limit=%d", rec.Code, store.limit)
	}
	if rec := serve(h, http.MethodPost, "/api/grading/similar", `{"text":"my essay","limit":25}`); rec.Code != http.StatusOK || store.limit != 25 {
		t.Errorf("explicit limit: status=%d limit=%d", rec.Code, store.limit)
	}

	if rec := serve(h, http.MethodPost, "/api/grading/similar", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty text status = %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	h := New(&fakeStore{}, prometheus.NewRegistry())
	h.AddStats("streams", func(ctx context.Context) (interface{}, error) { return map[string]int{"active": 2}, nil })
	h.AddStats("storage", func(ctx context.Context) (interface{}, error) { return nil, errors.New("down") })

	rec := serve(h, http.MethodGet, "/stats", "")
	var body map[string]map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["streams"]["active"] != 2.0 {
		t.Errorf("streams = %v", body["streams"])
	}
	if body["storage"]["error"] != "down" {
		t.Errorf("storage = %v", body["storage"])
	}
}
