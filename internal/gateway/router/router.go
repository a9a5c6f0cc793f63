// Package router wires up every logsearch API route and applies the
// middleware chain (RequestID → CORS → Auth → RateLimit → Metrics → Timeout).
package router

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/ratelimit"
	gwhandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/middleware"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/handler"
	searchhandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/middleware"
)

// Handlers are the endpoint implementations. Analytics may be nil.
type Handlers struct {
	Ingest    *ingesthandler.Handler
	Search    *searchhandler.Handler
	Admin     *gwhandler.Handler
	Analytics *analytics.Handler
	Health    *health.Checker
}

// Options configures the middleware. The zero value disables auth, rate
// limiting, CORS headers, metrics and the request timeout.
type Options struct {
	Keys      gwmw.KeyValidator
	Limiter   *ratelimit.Limiter
	RateLimit int
	CORS      gwmw.CORSConfig
	Metrics   *metrics.Metrics
	Timeout   time.Duration
}

// New builds the full HTTP handler with all routes and middleware.
//
// Route table:
//
//	GET    /health/live                 → liveness
//	GET    /health/ready                → readiness (index and backends)
//	GET    /metrics                     → Prometheus scrape
//	POST   /api/v1/events               → ingest events
//	GET    /api/v1/events/{id}          → stored document by id
//	GET    /api/v1/search               → search
//	GET    /api/v1/stats                → index statistics
//	POST   /api/v1/flush                → force a flush
//	POST   /api/v1/merge                → force a merge pass
//	GET    /api/v1/analytics            → query analytics
//	GET    /api/v1/analytics/history    → saved analytics snapshots
//	GET    /api/v1/cache/stats          → result cache statistics
//	POST   /api/v1/cache/invalidate     → drop cached results
//	GET    /api/v1/deadletters          → recently rejected events
func New(h Handlers, opts Options) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health/live", h.Health.LiveHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.Health.ReadyHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// API routes sit on the root router: a subrouter answers a method
	// mismatch with 404 instead of 405.
	const api = "/api/v1"
	r.HandleFunc(api+"/events", h.Ingest.Ingest).Methods(http.MethodPost)
	r.HandleFunc(api+"/events/{id}", h.Admin.GetDocument).Methods(http.MethodGet)
	r.HandleFunc(api+"/search", h.Search.Search).Methods(http.MethodGet)
	r.HandleFunc(api+"/stats", h.Admin.Stats).Methods(http.MethodGet)
	r.HandleFunc(api+"/flush", h.Admin.Flush).Methods(http.MethodPost)
	r.HandleFunc(api+"/merge", h.Admin.Merge).Methods(http.MethodPost)
	r.HandleFunc(api+"/cache/stats", h.Search.CacheStats).Methods(http.MethodGet)
	r.HandleFunc(api+"/cache/invalidate", h.Search.CacheInvalidate).Methods(http.MethodPost)
	r.HandleFunc(api+"/deadletters", h.Admin.DeadLetters).Methods(http.MethodGet)
	if h.Analytics != nil {
		r.HandleFunc(api+"/analytics", h.Analytics.Stats).Methods(http.MethodGet)
		r.HandleFunc(api+"/analytics/history", h.Analytics.History).Methods(http.MethodGet)
	}

	if opts.Metrics != nil {
		r.Use(pkgmw.Metrics(opts.Metrics))
	}
	r.Use(pkgmw.Timeout(opts.Timeout))

	// Applied inside-out: request → RequestID → CORS → Auth → RateLimit → mux
	var chain http.Handler = r
	chain = gwmw.RateLimit(opts.Limiter, opts.RateLimit)(chain)
	chain = gwmw.Auth(opts.Keys)(chain)
	chain = gwmw.CORS(opts.CORS)(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
