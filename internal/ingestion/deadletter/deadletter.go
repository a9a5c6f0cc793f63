// Package deadletter keeps the log events the index refused, together with
// the reason, so operators can inspect and replay them. Rejections never
// block ingestion: a failing sink is tripped open and letters fall back to
// the log.
package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

// Reasons a letter is recorded for.
const (
	ReasonMalformed  = "malformed"
	ReasonValidation = "validation"
	ReasonEncoding   = "encoding"
)

// Sources a letter can come from.
const (
	SourceKafka = "kafka"
	SourceHTTP  = "http"
)

// Letter is one rejected event.
type Letter struct {
	ID         int64     `json:"id,omitempty"`
	Source     string    `json:"source"`
	Key        string    `json:"key,omitempty"`
	Payload    string    `json:"payload"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error"`
	ReceivedAt time.Time `json:"received_at"`
}

// New builds a letter for payload rejected with err.
func New(source, key string, payload []byte, err error) Letter {
	return Letter{
		Source:     source,
		Key:        key,
		Payload:    string(payload),
		Reason:     ReasonFor(err),
		Error:      err.Error(),
		ReceivedAt: time.Now().UTC(),
	}
}

// ReasonFor classifies a rejection error.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return ReasonValidation
	case errors.Is(err, apperrors.ErrEncoding):
		return ReasonEncoding
	default:
		return ReasonMalformed
	}
}

// Sink stores letters.
type Sink interface {
	Record(ctx context.Context, l Letter) error
}

// Lister is a Sink that can also return what it stored, newest first.
type Lister interface {
	Sink
	List(ctx context.Context, limit int) ([]Letter, error)
}

// Log writes letters to the structured log. It never fails.
type Log struct {
	logger *slog.Logger
}

func NewLog() *Log {
	return &Log{logger: slog.Default().With("component", "deadletter")}
}

func (l *Log) Record(_ context.Context, letter Letter) error {
	l.logger.Warn("event rejected",
		"source", letter.Source,
		"key", letter.Key,
		"reason", letter.Reason,
		"error", letter.Error,
		"payload_size", len(letter.Payload),
	)
	return nil
}

// Memory keeps the most recent letters in a bounded ring. It backs the
// dead-letter listing when no database is configured.
type Memory struct {
	mu     sync.Mutex
	ring   []Letter
	next   int
	full   bool
	nextID int64
}

// NewMemory keeps at most capacity letters (1000 if capacity <= 0).
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Memory{ring: make([]Letter, capacity)}
}

func (m *Memory) Record(_ context.Context, l Letter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.ID = m.nextID
	m.ring[m.next] = l
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]Letter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Letter, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out, nil
}

// Guarded sends letters to a primary sink through a circuit breaker and
// falls back to another sink when the primary fails or the breaker is open.
type Guarded struct {
	primary  Sink
	fallback Sink
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGuarded wraps primary. A nil fallback means the log; m may be nil.
func NewGuarded(primary, fallback Sink, breaker *resilience.CircuitBreaker, m *metrics.Metrics) *Guarded {
	if fallback == nil {
		fallback = NewLog()
	}
	return &Guarded{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		metrics:  m,
		logger:   slog.Default().With("component", "deadletter"),
	}
}

// Record always succeeds from the caller's point of view: if neither sink
// accepts the letter the failure is logged and dropped.
func (g *Guarded) Record(ctx context.Context, l Letter) error {
	if g.metrics != nil {
		g.metrics.DeadLettersTotal.Inc()
	}
	err := g.breaker.Execute(func() error { return g.primary.Record(ctx, l) })
	if err == nil {
		return nil
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		g.logger.Error("dead-letter sink failed", "breaker", g.breaker.Name(), "error", err)
	}
	if ferr := g.fallback.Record(ctx, l); ferr != nil {
		g.logger.Error("dead-letter fallback failed", "error", ferr)
	}
	return nil
}

// List delegates to the primary sink when it can list.
func (g *Guarded) List(ctx context.Context, limit int) ([]Letter, error) {
	if lister, ok := g.primary.(Lister); ok {
		return lister.List(ctx, limit)
	}
	if lister, ok := g.fallback.(Lister); ok {
		return lister.List(ctx, limit)
	}
	return nil, nil
}
