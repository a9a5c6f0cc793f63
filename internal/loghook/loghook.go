// Package loghook provides a slog.Handler that turns the application's own
// log records into indexed documents, so the service can search its logs.
//
// Records are queued and ingested by a single goroutine. Handle never waits
// for the index, which matters because the index itself logs while holding
// its writer lock.
package loghook

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
)

// Ingester is the part of the index the hook writes to.
type Ingester interface {
	Schema() *schema.Schema
	Ingest(doc document.Document) (document.ID, error)
}

// Field names a record is mapped to. Attributes keep their own (dotted, for
// groups) names.
const (
	FieldTimestamp = "timestamp"
	FieldLevel     = "level"
	FieldMessage   = "message"
	FieldTarget    = "target"
)

// Options configures a Handler.
type Options struct {
	// Level is the minimum level indexed. Defaults to info.
	Level slog.Leveler
	// Buffer is the queue length; records arriving while it is full are
	// dropped. Defaults to 4096.
	Buffer int
	// SkipComponents lists "component" attribute values whose records are
	// never indexed. The index, store and merger are always skipped.
	SkipComponents []string
}

var alwaysSkip = []string{"indexer", "store", "merger", "retry"}

// boundAttr is an attribute added by WithAttrs under the groups open at the
// time.
type boundAttr struct {
	groups []string
	attr   slog.Attr
}

type state struct {
	ix       Ingester
	level    slog.Leveler
	skip     map[string]bool
	queue    chan document.Document
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	indexed  atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

// Handler is a slog.Handler feeding an index. Handlers derived through
// WithAttrs and WithGroup share the queue of the Handler they came from.
type Handler struct {
	st     *state
	attrs  []boundAttr
	groups []string
	// component is the "component" attribute bound by WithAttrs, if any.
	component string
}

// New starts the ingest goroutine and returns the handler. Call Close to
// drain the queue.
func New(ix Ingester, opts Options) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	skip := make(map[string]bool, len(alwaysSkip)+len(opts.SkipComponents))
	for _, c := range alwaysSkip {
		skip[c] = true
	}
	for _, c := range opts.SkipComponents {
		skip[c] = true
	}
	st := &state{
		ix:    ix,
		level: opts.Level,
		skip:  skip,
		queue: make(chan document.Document, opts.Buffer),
		done:  make(chan struct{}),
	}
	go st.run()
	return &Handler{st: st}
}

func (st *state) run() {
	defer close(st.done)
	for doc := range st.queue {
		if _, err := st.ix.Ingest(doc); err != nil {
			st.rejected.Add(1)
			continue
		}
		st.indexed.Add(1)
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.st.level.Level() && !h.st.skip[h.component]
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	component := h.component
	event := map[string]any{}
	for _, ba := range h.attrs {
		putAttr(nestedTarget(event, ba.groups), ba.attr)
	}
	target := nestedTarget(event, h.groups)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && len(h.groups) == 0 {
			component = a.Value.String()
		}
		putAttr(target, a)
		return true
	})
	if h.st.skip[component] {
		return nil
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	event[FieldTimestamp] = ts
	event[FieldLevel] = r.Level.String()
	event[FieldMessage] = r.Message
	if component != "" {
		event[FieldTarget] = component
	}

	doc := keepDeclared(document.FromMap(event), h.st.ix.Schema())

	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	if h.st.closed {
		h.st.dropped.Add(1)
		return nil
	}
	select {
	case h.st.queue <- doc:
	default:
		h.st.dropped.Add(1)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := h.clone()
	for _, a := range attrs {
		out.attrs = append(out.attrs, boundAttr{groups: h.groups, attr: a})
	}
	if len(h.groups) == 0 {
		for _, a := range attrs {
			if a.Key == "component" {
				out.component = a.Value.String()
			}
		}
	}
	return out
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := h.clone()
	out.groups = append(out.groups, name)
	return out
}

func (h *Handler) clone() *Handler {
	return &Handler{
		st:        h.st,
		attrs:     append([]boundAttr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
		component: h.component,
	}
}

// Close stops accepting records and waits until every queued record has
// been handed to the index. It is safe to call more than once.
func (h *Handler) Close() {
	h.st.mu.Lock()
	if !h.st.closed {
		h.st.closed = true
		close(h.st.queue)
	}
	h.st.mu.Unlock()
	<-h.st.done
}

// Stats reports how many records were indexed, dropped because the queue
// was full or closed, and rejected by the index.
func (h *Handler) Stats() (indexed, dropped, rejected int64) {
	return h.st.indexed.Load(), h.st.dropped.Load(), h.st.rejected.Load()
}

func nestedTarget(m map[string]any, groups []string) map[string]any {
	for _, g := range groups {
		next, ok := m[g].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[g] = next
		}
		m = next
	}
	return m
}

func putAttr(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	switch v.Kind() {
	case slog.KindGroup:
		dst := m
		if a.Key != "" {
			sub, ok := m[a.Key].(map[string]any)
			if !ok {
				sub = map[string]any{}
				m[a.Key] = sub
			}
			dst = sub
		}
		for _, ga := range v.Group() {
			putAttr(dst, ga)
		}
	case slog.KindDuration:
		m[a.Key] = v.Duration().String()
	default:
		m[a.Key] = v.Any()
	}
}

// keepDeclared drops fields the schema does not declare, so one stray
// attribute does not cost the whole record.
func keepDeclared(doc document.Document, s *schema.Schema) document.Document {
	out := doc[:0]
	for _, f := range doc {
		if _, ok := s.Lookup(f.Name); ok {
			out = append(out, f)
		}
	}
	return out
}
