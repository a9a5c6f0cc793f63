package segment

import (
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
)

// Builder accumulates encoded documents in memory until they are frozen into
// an immutable Segment. A Builder belongs to a single writer and is not safe
// for concurrent use.
type Builder struct {
	schema *schema.Schema
	terms  map[string]*roaring64.Bitmap
	docs   []document.ID
	stored [][]byte
	nextID document.ID
	size   int64
}

// NewBuilder creates a Builder that assigns ids starting at firstID.
func NewBuilder(s *schema.Schema, firstID document.ID) *Builder {
	if firstID == 0 {
		firstID = 1
	}
	return &Builder{
		schema: s,
		terms:  make(map[string]*roaring64.Bitmap),
		nextID: firstID,
	}
}

// Add encodes doc and, only if encoding succeeds, assigns it the next id and
// appends it. A rejected document leaves the builder untouched.
func (b *Builder) Add(doc document.Document) (document.ID, error) {
	enc, err := document.Encode(doc, b.schema)
	if err != nil {
		return 0, err
	}
	id := b.nextID
	for _, te := range enc.Terms {
		bm, ok := b.terms[te.Term]
		if !ok {
			bm = roaring64.New()
			b.terms[te.Term] = bm
			b.size += int64(len(te.Term)) + 64
		}
		bm.Add(uint64(id))
		b.size += 8
	}
	b.docs = append(b.docs, id)
	b.stored = append(b.stored, enc.Stored)
	b.size += int64(len(enc.Stored)) + 16
	b.nextID++
	return id, nil
}

// Len is the number of buffered documents.
func (b *Builder) Len() int { return len(b.docs) }

// SizeBytes estimates the memory held by the buffer.
func (b *Builder) SizeBytes() int64 { return b.size }

// NextID is the id the next accepted document will receive.
func (b *Builder) NextID() document.ID { return b.nextID }

// Freeze copies the buffered state into an immutable Segment with the given
// id. The builder is left unchanged so a failed persist or publish can be
// retried; call Reset once the segment has been published. Freeze returns nil
// when nothing is buffered.
func (b *Builder) Freeze(id ID) *Segment {
	if len(b.docs) == 0 {
		return nil
	}
	terms := make([]TermEntry, 0, len(b.terms))
	for term, bm := range b.terms {
		frozen := bm.Clone()
		frozen.RunOptimize()
		terms = append(terms, TermEntry{Term: term, Postings: frozen})
	}
	sort.Slice(terms, func(i, j int) bool {
		return terms[i].Term < terms[j].Term
	})
	docs := make([]document.ID, len(b.docs))
	copy(docs, b.docs)
	stored := make([][]byte, len(b.stored))
	copy(stored, b.stored)
	return newSegment(id, terms, docs, stored)
}

// Reset discards the buffered documents. Id assignment continues from where
// it left off so ids are never reused.
func (b *Builder) Reset() {
	b.terms = make(map[string]*roaring64.Bitmap)
	b.docs = nil
	b.stored = nil
	b.size = 0
}
