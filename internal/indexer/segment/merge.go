package segment

import (
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
)

// Merge combines segs into one new segment with the given id. Document ids
// are carried over unchanged; postings of equal terms are unioned.
func Merge(id ID, segs ...*Segment) *Segment {
	merged := make(map[string]*roaring64.Bitmap)
	total := 0
	for _, seg := range segs {
		total += seg.DocCount()
		for _, te := range seg.terms {
			if bm, ok := merged[te.Term]; ok {
				bm.Or(te.Postings)
				continue
			}
			merged[te.Term] = te.Postings.Clone()
		}
	}
	terms := make([]TermEntry, 0, len(merged))
	for term, bm := range merged {
		bm.RunOptimize()
		terms = append(terms, TermEntry{Term: term, Postings: bm})
	}
	sort.Slice(terms, func(i, j int) bool {
		return terms[i].Term < terms[j].Term
	})

	type storedDoc struct {
		id   document.ID
		blob []byte
	}
	all := make([]storedDoc, 0, total)
	for _, seg := range segs {
		for i, d := range seg.docs {
			all = append(all, storedDoc{id: d, blob: seg.stored[i]})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	docs := make([]document.ID, len(all))
	stored := make([][]byte, len(all))
	for i, sd := range all {
		docs[i] = sd.id
		stored[i] = sd.blob
	}
	return newSegment(id, terms, docs, stored)
}
