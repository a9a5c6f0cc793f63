package analytics

import "time"

// SearchEvent describes one answered search.
type SearchEvent struct {
	// Query is the canonical form of the parsed query, so equivalent
	// spellings count as one query.
	Query      string    `json:"query"`
	Fields     []string  `json:"fields"`
	TotalHits  int       `json:"total_hits"`
	Returned   int       `json:"returned"`
	LatencyMs  int64     `json:"latency_ms"`
	CacheHit   bool      `json:"cache_hit"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
}

// IngestEvent describes one handled ingest batch.
type IngestEvent struct {
	Accepted  int       `json:"accepted"`
	Rejected  int       `json:"rejected"`
	Timestamp time.Time `json:"timestamp"`
}
