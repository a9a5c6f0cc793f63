// Package document turns structured log events into the term stream and
// stored-value blob the segment writer consumes, and decodes stored blobs
// back into field values for search results.
package document

import (
	"encoding/json"
	"sort"
)

// ID identifies a document for the lifetime of an index. IDs are assigned at
// ingest time, strictly increase, and are never reused.
type ID uint64

// Field is one (name, value) pair of a document.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Document is an ordered sequence of fields. A name may repeat, which makes
// the field multi-valued.
type Document []Field

// Get returns the first value recorded for name.
func (d Document) Get(name string) (any, bool) {
	for _, f := range d {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Values returns every value recorded for name, in order.
func (d Document) Values(name string) []any {
	var out []any
	for _, f := range d {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Map collapses the document into a name -> value mapping. Multi-valued
// fields map to a []any holding every value.
func (d Document) Map() map[string]any {
	out := make(map[string]any, len(d))
	for _, f := range d {
		prev, seen := out[f.Name]
		if !seen {
			out[f.Name] = f.Value
			continue
		}
		if list, ok := prev.([]any); ok {
			out[f.Name] = append(list, f.Value)
			continue
		}
		out[f.Name] = []any{prev, f.Value}
	}
	return out
}

// FromMap flattens a nested event into a Document. Nested maps contribute
// dotted field names ("props.user"), slices contribute one field per element
// and nil values are skipped. Keys are visited in sorted order so the same
// event always produces the same document.
func FromMap(event map[string]any) Document {
	doc := make(Document, 0, len(event))
	return flatten(doc, "", event)
}

func flatten(doc Document, prefix string, m map[string]any) Document {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		doc = flattenValue(doc, name, m[k])
	}
	return doc
}

func flattenValue(doc Document, name string, v any) Document {
	switch val := v.(type) {
	case nil:
		return doc
	case map[string]any:
		return flatten(doc, name, val)
	case map[string]string:
		nested := make(map[string]any, len(val))
		for k, s := range val {
			nested[k] = s
		}
		return flatten(doc, name, nested)
	case []any:
		for _, elem := range val {
			doc = flattenValue(doc, name, elem)
		}
		return doc
	case []string:
		for _, elem := range val {
			doc = append(doc, Field{Name: name, Value: elem})
		}
		return doc
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return append(doc, Field{Name: name, Value: n})
		}
		if f, err := val.Float64(); err == nil {
			return append(doc, Field{Name: name, Value: f})
		}
		return append(doc, Field{Name: name, Value: val.String()})
	}
	return append(doc, Field{Name: name, Value: v})
}
