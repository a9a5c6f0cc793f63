// Package segment holds the immutable unit of the index: a sorted term
// dictionary with roaring postings, the stored field blobs of every document
// in the segment, and the segment's document-id range. Segments are built by
// a Builder, optionally persisted with Write, reloaded with Open, and combined
// with Merge. Nothing mutates a Segment after it has been created, so any
// number of readers may traverse one without locking.
package segment

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
)

// ID identifies a segment within one index. IDs increase with creation
// order; a merged segment takes a fresh ID.
type ID uint64

// TermEntry pairs a dictionary term with its postings.
type TermEntry struct {
	Term     string
	Postings *roaring64.Bitmap
}

// Bound is one end of a dictionary range scan. A nil *Bound is open.
type Bound struct {
	Value     []byte
	Inclusive bool
}

// Segment is an immutable bundle of term dictionary, postings and stored
// values. Bitmaps returned by its accessors are shared and must not be
// modified by callers.
type Segment struct {
	id     ID
	terms  []TermEntry
	docs   []document.ID
	stored [][]byte
	all    *roaring64.Bitmap
	size   int64
	path   string

	refs     atomic.Int64
	mu       sync.Mutex
	onZero   func()
	released sync.Once
}

func newSegment(id ID, terms []TermEntry, docs []document.ID, stored [][]byte) *Segment {
	all := roaring64.New()
	for _, d := range docs {
		all.Add(uint64(d))
	}
	all.RunOptimize()
	seg := &Segment{
		id:     id,
		terms:  terms,
		docs:   docs,
		stored: stored,
		all:    all,
	}
	for _, te := range terms {
		seg.size += int64(len(te.Term)) + int64(te.Postings.GetSizeInBytes())
	}
	for _, blob := range stored {
		seg.size += int64(len(blob)) + 8
	}
	return seg
}

func (s *Segment) ID() ID { return s.id }

// Path is the file backing the segment, empty for memory-only segments.
func (s *Segment) Path() string { return s.path }

func (s *Segment) DocCount() int { return len(s.docs) }

func (s *Segment) TermCount() int { return len(s.terms) }

// SizeBytes estimates the in-memory footprint of the segment.
func (s *Segment) SizeBytes() int64 { return s.size }

// MinDoc and MaxDoc bound the document ids held by the segment.
func (s *Segment) MinDoc() document.ID {
	if len(s.docs) == 0 {
		return 0
	}
	return s.docs[0]
}

func (s *Segment) MaxDoc() document.ID {
	if len(s.docs) == 0 {
		return 0
	}
	return s.docs[len(s.docs)-1]
}

// Dictionary exposes the sorted term entries.
func (s *Segment) Dictionary() []TermEntry { return s.terms }

// Docs returns the ascending document ids of the segment.
func (s *Segment) Docs() []document.ID { return s.docs }

// Postings returns the postings for term, or nil when the term is absent.
func (s *Segment) Postings(term string) *roaring64.Bitmap {
	i := sort.Search(len(s.terms), func(i int) bool {
		return s.terms[i].Term >= term
	})
	if i >= len(s.terms) || s.terms[i].Term != term {
		return nil
	}
	return s.terms[i].Postings
}

// Range unions the postings of every term of field whose value lies between
// low and high in byte order. Either bound may be nil for an open end.
func (s *Segment) Range(field string, low, high *Bound) *roaring64.Bitmap {
	prefix := document.FieldPrefix(field)
	start := prefix
	if low != nil {
		start = prefix + string(low.Value)
	}
	i := sort.Search(len(s.terms), func(i int) bool {
		return s.terms[i].Term >= start
	})
	out := roaring64.New()
	for ; i < len(s.terms); i++ {
		term := s.terms[i].Term
		if len(term) < len(prefix) || term[:len(prefix)] != prefix {
			break
		}
		value := []byte(term[len(prefix):])
		if low != nil && !low.Inclusive && bytes.Equal(value, low.Value) {
			continue
		}
		if high != nil {
			c := bytes.Compare(value, high.Value)
			if c > 0 || (c == 0 && !high.Inclusive) {
				break
			}
		}
		out.Or(s.terms[i].Postings)
	}
	return out
}

// FieldPostings returns every document holding at least one term of field.
func (s *Segment) FieldPostings(field string) *roaring64.Bitmap {
	return s.Range(field, nil, nil)
}

// All returns every document id in the segment.
func (s *Segment) All() *roaring64.Bitmap { return s.all }

// Stored returns the stored-field blob of doc.
func (s *Segment) Stored(doc document.ID) ([]byte, bool) {
	i := sort.Search(len(s.docs), func(i int) bool {
		return s.docs[i] >= doc
	})
	if i >= len(s.docs) || s.docs[i] != doc {
		return nil, false
	}
	return s.stored[i], true
}

// Retain adds a reference held by a snapshot.
func (s *Segment) Retain() {
	s.refs.Add(1)
}

// Release drops a reference. When the last reference of a segment that has
// been marked obsolete goes away, its release hook runs exactly once.
func (s *Segment) Release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	s.mu.Lock()
	hook := s.onZero
	s.mu.Unlock()
	if hook != nil {
		s.released.Do(hook)
	}
}

// Refs reports the current reference count.
func (s *Segment) Refs() int64 {
	return s.refs.Load()
}

// MarkObsolete registers fn to run once no snapshot references the segment
// any more. If that is already the case fn runs before MarkObsolete returns.
func (s *Segment) MarkObsolete(fn func()) {
	s.mu.Lock()
	s.onZero = fn
	s.mu.Unlock()
	if s.refs.Load() <= 0 {
		s.released.Do(fn)
	}
}
