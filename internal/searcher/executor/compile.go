package executor

import (
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/parser"
)

// matcher resolves a query node against one segment. The returned bitmap may
// be shared with the segment and must not be modified; nil means no match.
type matcher interface {
	match(seg *segment.Segment) *roaring64.Bitmap
}

type noneMatcher struct{}

func (noneMatcher) match(*segment.Segment) *roaring64.Bitmap { return nil }

type allMatcher struct{}

func (allMatcher) match(seg *segment.Segment) *roaring64.Bitmap { return seg.All() }

// termMatcher requires every one of its terms.
type termMatcher struct {
	terms []string
}

func (m termMatcher) match(seg *segment.Segment) *roaring64.Bitmap {
	var acc *roaring64.Bitmap
	for i, term := range m.terms {
		p := seg.Postings(term)
		if p == nil || p.IsEmpty() {
			return nil
		}
		if i == 0 {
			acc = p
			continue
		}
		acc = roaring64.And(acc, p)
		if acc.IsEmpty() {
			return nil
		}
	}
	return acc
}

type rangeMatcher struct {
	field     string
	low, high *segment.Bound
}

func (m rangeMatcher) match(seg *segment.Segment) *roaring64.Bitmap {
	var bm *roaring64.Bitmap
	if m.low == nil && m.high == nil {
		bm = seg.FieldPostings(m.field)
	} else {
		bm = seg.Range(m.field, m.low, m.high)
	}
	if bm.IsEmpty() {
		return nil
	}
	return bm
}

type andMatcher struct {
	clauses []matcher
}

func (m andMatcher) match(seg *segment.Segment) *roaring64.Bitmap {
	var acc *roaring64.Bitmap
	for i, c := range m.clauses {
		bm := c.match(seg)
		if bm == nil {
			return nil
		}
		if i == 0 {
			acc = bm
			continue
		}
		acc = roaring64.And(acc, bm)
		if acc.IsEmpty() {
			return nil
		}
	}
	return acc
}

// compile binds a parsed query to the schema. Anything that cannot match
// (an unknown or unindexed field, a value that does not coerce to the field's
// type) compiles to noneMatcher instead of an error.
func compile(n parser.Node, s *schema.Schema) matcher {
	switch n := n.(type) {
	case *parser.MatchAll:
		return allMatcher{}
	case *parser.Term:
		return compileTerm(n, s)
	case *parser.Range:
		return compileRange(n, s)
	case *parser.And:
		clauses := make([]matcher, 0, len(n.Clauses))
		for _, c := range n.Clauses {
			m := compile(c, s)
			switch m.(type) {
			case noneMatcher:
				return noneMatcher{}
			case allMatcher:
				continue
			}
			clauses = append(clauses, m)
		}
		switch len(clauses) {
		case 0:
			return allMatcher{}
		case 1:
			return clauses[0]
		}
		return andMatcher{clauses: clauses}
	}
	return noneMatcher{}
}

func indexedField(name string, s *schema.Schema) (schema.Field, bool) {
	f, ok := s.Lookup(name)
	if !ok || !f.Indexed {
		return schema.Field{}, false
	}
	return f, true
}

func compileTerm(t *parser.Term, s *schema.Schema) matcher {
	f, ok := indexedField(t.Field, s)
	if !ok {
		return noneMatcher{}
	}
	val, err := document.Coerce(f.Type, t.Value)
	if err != nil {
		return noneMatcher{}
	}
	terms, err := document.ValueTerms(f.Name, val)
	if err != nil || len(terms) == 0 {
		return noneMatcher{}
	}
	return termMatcher{terms: terms}
}

func compileRange(r *parser.Range, s *schema.Schema) matcher {
	f, ok := indexedField(r.Field, s)
	if !ok {
		return noneMatcher{}
	}
	low, ok := compileBound(f, r.Low)
	if !ok {
		return noneMatcher{}
	}
	high, ok := compileBound(f, r.High)
	if !ok {
		return noneMatcher{}
	}
	return rangeMatcher{field: f.Name, low: low, high: high}
}

func compileBound(f schema.Field, b *parser.Bound) (*segment.Bound, bool) {
	if b == nil {
		return nil, true
	}
	var key []byte
	switch f.Type {
	case schema.Text:
		key = []byte(tokenizer.Normalize(b.Value))
	case schema.Keyword:
		key = []byte(b.Value)
	default:
		val, err := document.Coerce(f.Type, b.Value)
		if err != nil {
			return nil, false
		}
		if key, err = val.Key(); err != nil {
			return nil, false
		}
	}
	return &segment.Bound{Value: key, Inclusive: b.Inclusive}, true
}
