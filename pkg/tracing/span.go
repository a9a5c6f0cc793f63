// Package tracing times the stages of a request as a tree of spans carried
// in a context.Context. Nothing is exported to a collector; a finished tree
// is written to the structured log as a single record.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanKey struct{}

// Span is one timed stage. Safe for concurrent use.
type Span struct {
	name    string
	traceID string
	start   time.Time

	mu       sync.Mutex
	dur      time.Duration
	ended    bool
	attrs    []slog.Attr
	children []*Span
}

// StartTrace opens a root span. traceID is usually the request id.
func StartTrace(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{name: name, traceID: traceID, start: time.Now()}
	return context.WithValue(ctx, spanKey{}, s), s
}

// Start opens a span under the one in ctx. Without one it opens a root span
// with no trace id, so callers never need to check.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	parent := FromContext(ctx)
	if parent == nil {
		return StartTrace(ctx, name, "")
	}
	s := &Span{name: name, traceID: parent.traceID, start: time.Now()}
	parent.mu.Lock()
	parent.children = append(parent.children, s)
	parent.mu.Unlock()
	return context.WithValue(ctx, spanKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

func (s *Span) Name() string    { return s.name }
func (s *Span) TraceID() string { return s.traceID }

// Set attaches an attribute, replacing an earlier one with the same key.
func (s *Span) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attrs {
		if s.attrs[i].Key == key {
			s.attrs[i].Value = slog.AnyValue(value)
			return
		}
	}
	s.attrs = append(s.attrs, slog.Any(key, value))
}

// End stops the clock and returns the span's duration. Later calls return
// the same duration.
func (s *Span) End() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		s.dur = time.Since(s.start)
	}
	return s.dur
}

// Duration is the final duration once ended, the running time before.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s.dur
	}
	return time.Since(s.start)
}

// Report writes the tree as one record: the root's attributes plus a
// "spans" group mapping each stage path ("search/execute/count") to its
// milliseconds. It logs at warn when the root took at least slow, at debug
// otherwise. A zero slow never warns.
func (s *Span) Report(ctx context.Context, l *slog.Logger, slow time.Duration) {
	level := slog.LevelDebug
	d := s.Duration()
	if slow > 0 && d >= slow {
		level = slog.LevelWarn
	}
	if !l.Enabled(ctx, level) {
		return
	}
	var timings []any
	s.walk(s.name, func(path string, sp *Span) {
		timings = append(timings, slog.Float64(path, float64(sp.Duration().Microseconds())/1000))
	})

	s.mu.Lock()
	attrs := make([]any, 0, len(s.attrs)+3)
	for _, a := range s.attrs {
		attrs = append(attrs, a)
	}
	s.mu.Unlock()
	attrs = append(attrs,
		slog.String("trace_id", s.traceID),
		slog.Float64("duration_ms", float64(d.Microseconds())/1000),
		slog.Group("spans", timings...),
	)
	msg := "trace " + s.name
	if level == slog.LevelWarn {
		msg = "slow " + s.name
	}
	l.Log(ctx, level, msg, attrs...)
}

func (s *Span) walk(path string, fn func(string, *Span)) {
	fn(path, s)
	s.mu.Lock()
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()
	for _, c := range children {
		c.walk(path+"/"+c.name, fn)
	}
}
