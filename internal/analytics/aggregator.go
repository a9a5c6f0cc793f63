// Package analytics aggregates the query log of the search API: volume,
// latency percentiles, cache effectiveness, the most frequent and the
// zero-result queries, and which fields people search on.
package analytics

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxLatencies bounds the latency window percentiles are computed over.
	maxLatencies = 10000
	// maxTracked bounds each ranking map. Once full, counts of known keys
	// keep growing but new keys are ignored.
	maxTracked = 50000
)

type AggregatedStats struct {
	TotalSearches     int64        `json:"total_searches"`
	TotalDocsIngested int64        `json:"total_docs_ingested"`
	TotalDocsRejected int64        `json:"total_docs_rejected"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	TopFields         []QueryCount `json:"top_fields"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
	CapturedAt        time.Time    `json:"captured_at"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

type Aggregator struct {
	mu                sync.RWMutex
	totalSearches     atomic.Int64
	sessionSearches   atomic.Int64
	docsIngested      atomic.Int64
	docsRejected      atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	zeroResults       atomic.Int64
	latencies         []int64
	latencyNext       int
	queryCounts       map[string]int64
	zeroResultQueries map[string]int64
	fieldCounts       map[string]int64
	startTime         time.Time

	logger *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		zeroResultQueries: make(map[string]int64),
		fieldCounts:       make(map[string]int64),
		startTime:         time.Now(),
		logger:            slog.Default().With("component", "analytics-aggregator"),
	}
}

// Seed restores the counters of a saved snapshot, so totals survive a
// restart. Latencies and query rankings start over.
func (a *Aggregator) Seed(s AggregatedStats) {
	a.totalSearches.Add(s.TotalSearches)
	a.docsIngested.Add(s.TotalDocsIngested)
	a.docsRejected.Add(s.TotalDocsRejected)
	a.cacheHits.Add(s.CacheHits)
	a.cacheMisses.Add(s.CacheMisses)
	a.zeroResults.Add(s.ZeroResultCount)
	a.logger.Info("analytics seeded from snapshot",
		"total_searches", s.TotalSearches,
		"captured_at", s.CapturedAt,
	)
}

// RecordSearch adds one search to the aggregate.
func (a *Aggregator) RecordSearch(event SearchEvent) {
	a.totalSearches.Add(1)
	a.sessionSearches.Add(1)
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
	if event.TotalHits == 0 {
		a.zeroResults.Add(1)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.latencies) < maxLatencies {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.latencyNext] = event.LatencyMs
		a.latencyNext = (a.latencyNext + 1) % maxLatencies
	}
	bump(a.queryCounts, event.Query)
	if event.TotalHits == 0 {
		bump(a.zeroResultQueries, event.Query)
	}
	for _, f := range event.Fields {
		bump(a.fieldCounts, f)
	}
}

func bump(counts map[string]int64, key string) {
	if _, ok := counts[key]; ok || len(counts) < maxTracked {
		counts[key]++
	}
}

// RecordIngest adds one ingest batch to the aggregate.
func (a *Aggregator) RecordIngest(event IngestEvent) {
	a.docsIngested.Add(int64(event.Accepted))
	a.docsRejected.Add(int64(event.Rejected))
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalSearches:     a.totalSearches.Load(),
		TotalDocsIngested: a.docsIngested.Load(),
		TotalDocsRejected: a.docsRejected.Load(),
		CacheHits:         a.cacheHits.Load(),
		CacheMisses:       a.cacheMisses.Load(),
		ZeroResultCount:   a.zeroResults.Load(),
		CapturedAt:        time.Now().UTC(),
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.ZeroResultQueries = topN(a.zeroResultQueries, 10)
	stats.TopFields = topN(a.fieldCounts, 10)
	// Seeded totals predate startTime, so the rate only counts this run.
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(a.sessionSearches.Load()) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN ranks by count, breaking ties by name so the order is stable.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
