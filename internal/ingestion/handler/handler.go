// Package handler serves the event intake endpoint, POST /api/v1/events.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
)

// Recorder receives one event per handled batch.
type Recorder interface {
	RecordIngest(event analytics.IngestEvent)
}

type Handler struct {
	submitter publisher.Submitter
	recorder  Recorder
	maxEvents int
	maxBody   int64
	logger    *slog.Logger
}

// New creates the intake handler. maxEvents and maxBody <= 0 disable the
// respective limit.
func New(sub publisher.Submitter, maxEvents int, maxBody int64) *Handler {
	return &Handler{
		submitter: sub,
		maxEvents: maxEvents,
		maxBody:   maxBody,
		logger:    slog.Default().With("component", "ingestion-handler"),
	}
}

// WithRecorder reports every handled batch to rec.
func (h *Handler) WithRecorder(rec Recorder) *Handler {
	h.recorder = rec
	return h
}

// Ingest answers 200 when events were indexed, 202 when they were queued and
// 422 when every event of the batch was rejected.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := validator.ParseRequest(raw, h.maxEvents)
	if err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.submitter.Submit(ctx, req.Events)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("ingestion failed",
			"error", err,
			"events", len(req.Events),
			"status_code", statusCode,
		)
		h.writeError(w, statusCode, "ingestion failed")
		return
	}

	status := http.StatusOK
	switch {
	case resp.Accepted == 0 && len(resp.Rejected) > 0:
		status = http.StatusUnprocessableEntity
	case resp.Status == ingestion.StatusQueued:
		status = http.StatusAccepted
	}
	log.Info("events ingested",
		"accepted", resp.Accepted,
		"rejected", len(resp.Rejected),
		"status", resp.Status,
	)
	if h.recorder != nil {
		h.recorder.RecordIngest(analytics.IngestEvent{
			Accepted:  resp.Accepted,
			Rejected:  len(resp.Rejected),
			Timestamp: time.Now().UTC(),
		})
	}
	h.writeJSON(w, status, resp)
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
