// Package handler implements the administrative endpoints of the logsearch
// API: index statistics, forced flush and merge, document lookup by id and
// the dead-letter listing.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/deadletter"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
)

// Index is the part of the index the admin endpoints use.
type Index interface {
	Flush(ctx context.Context) error
	Merge(ctx context.Context) (bool, error)
	Get(id document.ID) (document.Document, error)
	DocCount() int
	Pending() int
	Generation() uint64
	Segments() int
}

// IndexStats is the body of GET /api/v1/stats.
type IndexStats struct {
	Docs       int    `json:"docs"`
	Pending    int    `json:"pending"`
	Generation uint64 `json:"generation"`
	Segments   int    `json:"segments"`
}

// DocumentView is a stored document with its id.
type DocumentView struct {
	ID     uint64         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type Handler struct {
	index       Index
	deadLetters deadletter.Lister
	logger      *slog.Logger
}

// New creates the admin handler. deadLetters may be nil, in which case the
// listing answers 503.
func New(index Index, deadLetters deadletter.Lister) *Handler {
	return &Handler{
		index:       index,
		deadLetters: deadLetters,
		logger:      slog.Default().With("component", "admin-handler"),
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stats())
}

func (h *Handler) stats() IndexStats {
	return IndexStats{
		Docs:       h.index.DocCount(),
		Pending:    h.index.Pending(),
		Generation: h.index.Generation(),
		Segments:   h.index.Segments(),
	}
}

// Flush commits the writer buffer and answers with the resulting stats.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.index.Flush(r.Context()); err != nil {
		logger.FromContext(r.Context()).Error("forced flush failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "flush failed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.stats())
}

// Merge runs one merge pass and reports whether anything was merged.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	merged, err := h.index.Merge(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("forced merge failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "merge failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"merged": merged, "stats": h.stats()})
}

// GetDocument returns the stored fields of a committed document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		h.writeError(w, http.StatusBadRequest, "document id must be a positive integer")
		return
	}
	doc, err := h.index.Get(document.ID(id))
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		logger.FromContext(r.Context()).Error("document lookup failed", "id", id, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "document lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, DocumentView{ID: id, Fields: doc.Map()})
}

// DeadLetters lists the most recently rejected events; ?limit= defaults
// to 50.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		h.writeError(w, http.StatusServiceUnavailable, "dead-letter listing is disabled")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	letters, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("listing dead letters failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing dead letters failed")
		return
	}
	if letters == nil {
		letters = []deadletter.Letter{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
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
