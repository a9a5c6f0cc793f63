// Package executor evaluates parsed queries against a snapshot of the index.
// Evaluation is lazy: postings for a segment are only computed when a cursor
// reaches it, and stored fields are only decoded for hits actually pulled.
package executor

import (
	"fmt"
	"iter"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/store"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/parser"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// Hit is one matching document with its stored fields.
type Hit struct {
	ID     document.ID       `json:"id"`
	Fields document.Document `json:"-"`
}

// lease owns the snapshot reference of a Results. It is kept separate from
// Results so the runtime cleanup can release it without resurrecting the
// Results value.
type lease struct {
	once sync.Once
	snap *store.Snapshot
}

func (l *lease) release() {
	l.once.Do(l.snap.Release)
}

// Results is the finite, restartable outcome of a query bound to one
// snapshot. Iterating again replays the query against the same snapshot, so
// the sequence is identical every time. Close releases the snapshot; if the
// caller never calls Close, the snapshot is released when Results becomes
// unreachable.
type Results struct {
	query   parser.Node
	m       matcher
	segs    []*segment.Segment
	gen     uint64
	lease   *lease
	cleanup runtime.Cleanup
	mu      sync.Mutex
	closed  bool
}

// Execute binds q to snap. It takes ownership of one reference on snap,
// which the returned Results releases on Close.
func Execute(q parser.Node, s *schema.Schema, snap *store.Snapshot) *Results {
	r := &Results{
		query: q,
		m:     compile(q, s),
		segs:  snap.Segments(),
		gen:   snap.Generation(),
		lease: &lease{snap: snap},
	}
	r.cleanup = runtime.AddCleanup(r, func(l *lease) { l.release() }, r.lease)
	return r
}

// Query is the parsed query the results were computed for.
func (r *Results) Query() parser.Node { return r.query }

// Generation is the snapshot generation the results are bound to.
func (r *Results) Generation() uint64 { return r.gen }

// Close releases the snapshot. It is safe to call more than once.
func (r *Results) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cleanup.Stop()
	r.lease.release()
	return nil
}

func (r *Results) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Cursor starts a fresh pass over the results.
func (r *Results) Cursor() *Cursor {
	return &Cursor{r: r, decode: true}
}

// All iterates over the hits in order. Iteration stops after the first
// error, which is yielded with a zero Hit.
func (r *Results) All() iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		c := r.Cursor()
		for {
			h, ok := c.Next()
			if !ok {
				break
			}
			if !yield(h, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(Hit{}, err)
		}
	}
}

// IDs collects the matching document ids without decoding stored fields.
func (r *Results) IDs() ([]document.ID, error) {
	c := &Cursor{r: r}
	var ids []document.ID
	for {
		h, ok := c.Next()
		if !ok {
			break
		}
		ids = append(ids, h.ID)
	}
	return ids, c.Err()
}

// Hits collects up to limit hits; limit <= 0 means all of them.
func (r *Results) Hits(limit int) ([]Hit, error) {
	c := r.Cursor()
	hits := []Hit{}
	for limit <= 0 || len(hits) < limit {
		h, ok := c.Next()
		if !ok {
			break
		}
		hits = append(hits, h)
	}
	return hits, c.Err()
}

// Count is the total number of matching documents.
func (r *Results) Count() (int, error) {
	if r.isClosed() {
		return 0, apperrors.ErrClosed
	}
	n := 0
	for _, seg := range r.segs {
		if bm := r.m.match(seg); bm != nil {
			n += int(bm.GetCardinality())
		}
	}
	return n, nil
}

// Cursor pulls hits one at a time: segments oldest first, ascending document
// id within a segment.
type Cursor struct {
	r      *Results
	decode bool
	seg    int
	cur    *segment.Segment
	it     roaring64.IntIterable64
	err    error
	done   bool
}

// Next returns the next hit, or false when the results are exhausted, the
// Results were closed, or an error occurred (see Err).
func (c *Cursor) Next() (Hit, bool) {
	if c.done {
		return Hit{}, false
	}
	if c.r.isClosed() {
		c.err = apperrors.ErrClosed
		c.done = true
		return Hit{}, false
	}
	for c.it == nil || !c.it.HasNext() {
		if c.seg >= len(c.r.segs) {
			c.done = true
			return Hit{}, false
		}
		c.cur = c.r.segs[c.seg]
		c.seg++
		c.it = nil
		if bm := c.r.m.match(c.cur); bm != nil {
			c.it = bm.Iterator()
		}
	}
	id := document.ID(c.it.Next())
	hit := Hit{ID: id}
	if c.decode {
		blob, ok := c.cur.Stored(id)
		if !ok {
			c.err = apperrors.Corruptf(c.cur.Path(), "segment %d has postings for document %d but no stored entry", c.cur.ID(), id)
			c.done = true
			return Hit{}, false
		}
		fields, err := document.DecodeStored(blob)
		if err != nil {
			c.err = fmt.Errorf("decoding document %d: %w", id, err)
			c.done = true
			return Hit{}, false
		}
		hit.Fields = fields
	}
	return hit, true
}

// Err reports the error that ended iteration, if any.
func (c *Cursor) Err() error { return c.err }
