// Package ingestion defines the request and response types of the HTTP
// event intake. Events are either indexed in-process or queued on Kafka for
// the index consumer.
package ingestion

// Status values of an IngestResponse.
const (
	StatusIndexed = "indexed"
	StatusQueued  = "queued"
)

// IngestRequest is the decoded body of POST /api/v1/events. The endpoint
// also accepts a bare array of events or a single event object.
type IngestRequest struct {
	Events []map[string]any `json:"events"`
}

// Rejection describes one event of a batch the index refused.
type Rejection struct {
	Index  int    `json:"index"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// IngestResponse is returned to the caller once a batch has been handled.
// IDs are only known when events are indexed in-process; they become
// searchable after the next flush.
type IngestResponse struct {
	Accepted int         `json:"accepted"`
	IDs      []uint64    `json:"ids,omitempty"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Status   string      `json:"status"`
}
