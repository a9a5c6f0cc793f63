package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

type fakeSubmitter struct {
	got  [][]map[string]any
	resp *ingestion.IngestResponse
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, events []map[string]any) (*ingestion.IngestResponse, error) {
	f.got = append(f.got, events)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func post(h *Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Ingest(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body)))
	return rec
}

func TestIngestStatusCodes(t *testing.T) {
	sub := &fakeSubmitter{resp: &ingestion.IngestResponse{Accepted: 2, IDs: []uint64{1, 2}, Status: ingestion.StatusIndexed}}
	h := New(sub, 10, 1<<20)

	rec := post(h, `{"events":[{"level":"INFO","n":12345678901234567},{"level":"WARN"}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sub.got, 1)
	assert.Equal(t, json.Number("12345678901234567"), sub.got[0][0]["n"])

	sub.resp = &ingestion.IngestResponse{Accepted: 1, Status: ingestion.StatusQueued}
	rec = post(h, `{"level":"INFO"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	sub.resp = &ingestion.IngestResponse{
		Status:   ingestion.StatusIndexed,
		Rejected: []ingestion.Rejection{{Index: 0, Field: "x", Reason: "validation"}},
	}
	rec = post(h, `[{"x":1}]`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp ingestion.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "x", resp.Rejected[0].Field)
}

func TestIngestRejectsBadRequests(t *testing.T) {
	sub := &fakeSubmitter{}
	h := New(sub, 2, 64)

	assert.Equal(t, http.StatusBadRequest, post(h, `{"level":`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, `[1, 2]`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, `[{"a":1},{"a":2},{"a":3}]`).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(h, `{"msg":"`+strings.Repeat("x", 100)+`"}`).Code)
	assert.Empty(t, sub.got)

	rec := post(h, `[{"a":1},{"a":"b"},{"a":3}]`)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation failed", body["error"])
}

func TestIngestSubmitFailure(t *testing.T) {
	h := New(&fakeSubmitter{err: apperrors.ErrClosed}, 0, 0)
	rec := post(h, `{"level":"INFO"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"ingestion failed"}`, rec.Body.String())
}

func TestIngestFeedsAnalytics(t *testing.T) {
	agg := analytics.NewAggregator()
	sub := &fakeSubmitter{resp: &ingestion.IngestResponse{
		Accepted: 1,
		Status:   ingestion.StatusIndexed,
		Rejected: []ingestion.Rejection{{Index: 1, Reason: "validation"}},
	}}
	h := New(sub, 10, 1<<20).WithRecorder(agg)

	post(h, `[{"level":"INFO"},{"nope":1}]`)
	post(h, `not json`)

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.TotalDocsIngested)
	assert.Equal(t, int64(1), stats.TotalDocsRejected)
}
