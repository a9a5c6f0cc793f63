// Package handler serves GET /api/v1/search and the result cache admin
// endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/tracing"
)

// Searcher evaluates query text against the current snapshot.
type Searcher interface {
	Search(ctx context.Context, text string) (*executor.Results, error)
}

// Recorder receives one event per answered search.
type Recorder interface {
	RecordSearch(event analytics.SearchEvent)
}

// HitView is the JSON form of a hit.
type HitView struct {
	ID     uint64         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// SearchResponse is the body of a successful search.
type SearchResponse struct {
	Query      string    `json:"query"`
	Canonical  string    `json:"canonical"`
	Generation uint64    `json:"generation"`
	Total      int       `json:"total"`
	Returned   int       `json:"returned"`
	Hits       []HitView `json:"hits"`
	CacheHit   bool      `json:"cache_hit"`
	TookMs     int64     `json:"took_ms"`
}

type Handler struct {
	searcher Searcher
	cache    *cache.QueryCache
	recorder Recorder
	metrics  *metrics.Metrics
	cfg      config.SearchConfig
	logger   *slog.Logger
}

// New creates the search handler. queryCache, recorder and m may be nil.
func New(s Searcher, queryCache *cache.QueryCache, recorder Recorder, m *metrics.Metrics, cfg config.SearchConfig) *Handler {
	return &Handler{
		searcher: s,
		cache:    queryCache,
		recorder: recorder,
		metrics:  m,
		cfg:      cfg,
		logger:   slog.Default().With("component", "search-handler"),
	}
}

type outcome struct {
	page      *cache.Page
	canonical string
	fields    []string
	gen       uint64
	cacheHit  bool
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		query = "*"
	}

	limit := h.cfg.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if h.cfg.MaxResults > 0 && (limit <= 0 || limit > h.cfg.MaxResults) {
		limit = h.cfg.MaxResults
	}

	ctx, span := tracing.StartTrace(ctx, "search", middleware.GetRequestID(ctx))
	span.Set("query", query)
	span.Set("limit", limit)
	out, err := resilience.Timeout(ctx, h.cfg.Timeout, "search", func(ctx context.Context) (*outcome, error) {
		return h.run(ctx, query, limit)
	})
	span.End()
	elapsed := time.Since(start)

	if err != nil {
		if h.metrics != nil {
			h.metrics.ObserveSearch("miss", 0, elapsed, err)
		}
		var syntaxErr *apperrors.QuerySyntaxError
		switch {
		case errors.As(err, &syntaxErr):
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  syntaxErr.Message,
				"offset": syntaxErr.Offset,
			})
		case errors.Is(err, context.DeadlineExceeded):
			log.Warn("search timed out", "query", query, "timeout", h.cfg.Timeout)
			h.writeError(w, http.StatusGatewayTimeout, "search timed out")
		default:
			status := apperrors.HTTPStatusCode(err)
			log.Error("search failed", "query", query, "error", err, "status_code", status)
			h.writeError(w, status, "search failed")
		}
		return
	}

	cacheStatus := "miss"
	if out.cacheHit {
		cacheStatus = "hit"
	}
	if h.metrics != nil {
		h.metrics.ObserveSearch(cacheStatus, out.page.Total, elapsed, nil)
	}
	span.Set("total", out.page.Total)
	span.Set("cache", cacheStatus)
	span.Report(ctx, log, h.cfg.SlowQuery)

	resp := SearchResponse{
		Query:      query,
		Canonical:  out.canonical,
		Generation: out.gen,
		Total:      out.page.Total,
		Returned:   len(out.page.Hits),
		Hits:       make([]HitView, 0, len(out.page.Hits)),
		CacheHit:   out.cacheHit,
		TookMs:     elapsed.Milliseconds(),
	}
	for _, hit := range out.page.Hits {
		resp.Hits = append(resp.Hits, HitView{ID: uint64(hit.ID), Fields: hit.Fields.Map()})
	}

	log.Info("search completed",
		"query", out.canonical,
		"total_hits", resp.Total,
		"returned", resp.Returned,
		"generation", out.gen,
		"cache_hit", out.cacheHit,
		"latency_ms", resp.TookMs,
	)
	if h.recorder != nil {
		h.recorder.RecordSearch(analytics.SearchEvent{
			Query:      out.canonical,
			Fields:     out.fields,
			TotalHits:  resp.Total,
			Returned:   resp.Returned,
			LatencyMs:  resp.TookMs,
			CacheHit:   out.cacheHit,
			Generation: out.gen,
			Timestamp:  time.Now().UTC(),
			RequestID:  middleware.GetRequestID(ctx),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// run binds the query to a snapshot and produces the first limit hits,
// going through the cache when one is configured.
func (h *Handler) run(ctx context.Context, query string, limit int) (*outcome, error) {
	ctx, span := tracing.Start(ctx, "execute")
	defer span.End()

	res, err := h.searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := &outcome{
		canonical: res.Query().String(),
		fields:    parser.Fields(res.Query()),
		gen:       res.Generation(),
	}
	span.Set("generation", out.gen)
	compute := func() (*cache.Page, error) {
		_, countSpan := tracing.Start(ctx, "count")
		total, err := res.Count()
		countSpan.End()
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, hitsSpan := tracing.Start(ctx, "hits")
		hits, err := res.Hits(limit)
		hitsSpan.End()
		if err != nil {
			return nil, err
		}
		return &cache.Page{Total: total, Hits: hits}, nil
	}

	if h.cache == nil {
		out.page, err = compute()
	} else {
		key := cache.Key(out.gen, out.canonical, limit)
		out.page, out.cacheHit, err = h.cache.GetOrCompute(ctx, key, compute)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
		"breaker":  h.cache.BreakerState().String(),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
