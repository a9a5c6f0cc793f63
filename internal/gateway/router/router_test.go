package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/apikey"
	gwhandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/deadletter"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	searchhandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
)

type testServer struct {
	handler http.Handler
	ix      *indexer.Index
	agg     *analytics.Aggregator
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	sch := schema.MustDefine(
		schema.Field{Name: "level", Type: schema.Keyword, Indexed: true, Stored: true},
		schema.Field{Name: "message", Type: schema.Text, Indexed: true, Stored: true},
		schema.Field{Name: "status", Type: schema.Integer, Indexed: true, Stored: true},
	)
	ix, err := indexer.Open(config.IndexConfig{}, sch)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	dl := deadletter.NewMemory(10)
	agg := analytics.NewAggregator()
	checker := health.NewChecker()
	checker.Register("index", health.PingCheck(ix, health.StatusDown))

	h := Handlers{
		Ingest:    ingesthandler.New(publisher.NewDirect(ix, dl), 100, 1<<20).WithRecorder(agg),
		Search:    searchhandler.New(ix, nil, agg, nil, config.SearchConfig{DefaultLimit: 10, MaxResults: 100}),
		Admin:     gwhandler.New(ix, dl),
		Analytics: analytics.NewHandler(agg, nil),
		Health:    checker,
	}
	return &testServer{handler: New(h, opts), ix: ix, agg: agg}
}

func (s *testServer) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestIngestSearchAndLookup(t *testing.T) {
	s := newTestServer(t, Options{Metrics: metrics.New(prometheus.NewRegistry())})

	rec := s.do(t, http.MethodPost, "/api/v1/events",
		`[{"level":"ERROR","message":"disk full","status":507},{"level":"INFO","message":"started"},{"level":"INFO","bogus":1}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["accepted"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodGet, "/api/v1/search?q=level:ERROR", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["total"], "pending events are not searchable")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/flush", "").Code)

	rec = s.do(t, http.MethodGet, "/api/v1/search?q=level:ERROR+status:[500+TO+599]", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, float64(1), body["total"])
	hits := body["hits"].([]any)
	require.Len(t, hits, 1)
	id := hits[0].(map[string]any)["id"].(float64)

	rec = s.do(t, http.MethodGet, "/api/v1/events/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["id"])
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/events/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/events/zero", "").Code)

	rec = s.do(t, http.MethodGet, "/api/v1/search?q=level:", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["docs"])

	rec = s.do(t, http.MethodGet, "/api/v1/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, http.MethodGet, "/api/v1/analytics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, float64(2), stats["total_docs_ingested"])
	assert.Equal(t, float64(1), stats["total_docs_rejected"])

	rec = s.do(t, http.MethodPost, "/api/v1/merge", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/cache/stats", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/api/v1/cache/invalidate", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodGet, "/api/v1/flush", "").Code)
}

func TestWrongMethodIsNotAllowed(t *testing.T) {
	s := newTestServer(t, Options{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/flush"},
		{http.MethodGet, "/api/v1/events"},
		{http.MethodPost, "/api/v1/search"},
		{http.MethodDelete, "/api/v1/events/1"},
		{http.MethodPost, "/health/live"},
	} {
		rec := s.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
	}
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v2/search", "").Code)
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t, Options{
		Keys: apikey.NewSet([]string{"secret"}, 100),
		CORS: gwmw.DefaultCORSConfig("*"),
	})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", "").Code)
	rec := s.do(t, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", decode(t, rec)["status"])

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/stats", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/stats", "", "X-API-Key", "secret").Code)

	rec = s.do(t, http.MethodOptions, "/api/v1/search", "",
		"Origin", "https://ui.example", "Access-Control-Request-Method", "GET")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))

	require.NoError(t, s.ix.Close())
	rec = s.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
