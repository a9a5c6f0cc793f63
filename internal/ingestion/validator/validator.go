// Package validator checks the shape of ingestion requests before any event
// reaches the index. Field-level checks against the schema happen in the
// index itself; this layer only rejects requests that cannot be a batch of
// events at all.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion"
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ParseRequest turns a decoded JSON body into an IngestRequest. body may be
// an object with an "events" array, an array of event objects, or a single
// event object. maxEvents <= 0 means no limit.
func ParseRequest(body any, maxEvents int) (*ingestion.IngestRequest, error) {
	var raw []any
	switch v := body.(type) {
	case map[string]any:
		if events, ok := v["events"]; ok && len(v) == 1 {
			list, ok := events.([]any)
			if !ok {
				return nil, &ValidationError{Fields: map[string]string{"events": "must be an array"}}
			}
			raw = list
		} else {
			raw = []any{v}
		}
	case []any:
		raw = v
	default:
		return nil, &ValidationError{Fields: map[string]string{"body": "must be an event object or an array of events"}}
	}

	errs := make(map[string]string)
	switch {
	case len(raw) == 0:
		errs["events"] = "at least one event is required"
	case maxEvents > 0 && len(raw) > maxEvents:
		errs["events"] = fmt.Sprintf("at most %d events per request", maxEvents)
	}
	req := &ingestion.IngestRequest{Events: make([]map[string]any, 0, len(raw))}
	for i, e := range raw {
		event, ok := e.(map[string]any)
		if !ok {
			errs[fmt.Sprintf("events[%d]", i)] = "must be a JSON object"
			continue
		}
		if len(event) == 0 {
			errs[fmt.Sprintf("events[%d]", i)] = "must not be empty"
			continue
		}
		req.Events = append(req.Events, event)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return req, nil
}
