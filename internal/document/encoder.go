package document

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// TermSeparator splits the field name from the value inside a term. It sorts
// below every other byte, so the term dictionary orders by field first and
// value second.
const TermSeparator = '\x00'

// TermEntry is one distinct term of a document and how often it occurred.
type TermEntry struct {
	Term  string
	Count int
}

// Encoded is the result of encoding a document: its distinct terms sorted
// lexicographically and the msgpack blob of its stored fields.
type Encoded struct {
	Terms  []TermEntry
	Stored []byte
}

// storedField is the on-disk form of a stored value. Timestamps are kept as
// unix nanoseconds in Int.
type storedField struct {
	Name string `msgpack:"n"`
	Kind uint8  `msgpack:"k"`
	Str  string `msgpack:"s,omitempty"`
	Int  int64  `msgpack:"i,omitempty"`
}

// MakeTerm builds the dictionary key for value in field.
func MakeTerm(field string, value []byte) string {
	b := make([]byte, 0, len(field)+1+len(value))
	b = append(b, field...)
	b = append(b, TermSeparator)
	b = append(b, value...)
	return string(b)
}

// FieldPrefix is the common prefix of every term of field.
func FieldPrefix(field string) string {
	return field + string(TermSeparator)
}

// SplitTerm is the inverse of MakeTerm.
func SplitTerm(term string) (field string, value []byte, ok bool) {
	i := strings.IndexByte(term, TermSeparator)
	if i < 0 {
		return "", nil, false
	}
	return term[:i], []byte(term[i+1:]), true
}

// Encode validates doc against s, coerces every value to its declared type
// and produces the terms of indexed fields and the blob of stored fields.
// Text values are tokenized; keyword values become a single exact term;
// integers and timestamps become their order-preserving 8-byte key.
func Encode(doc Document, s *schema.Schema) (*Encoded, error) {
	counts := make(map[string]int)
	stored := make([]storedField, 0, len(doc))
	for _, f := range doc {
		if err := s.Validate(f.Name, f.Value); err != nil {
			return nil, err
		}
		desc, _ := s.Lookup(f.Name)
		val, err := Coerce(desc.Type, f.Value)
		if err != nil {
			return nil, &apperrors.EncodingError{Field: f.Name, Value: f.Value, Err: err}
		}
		if desc.Indexed {
			if err := addTerms(counts, f.Name, val); err != nil {
				return nil, &apperrors.EncodingError{Field: f.Name, Value: f.Value, Err: err}
			}
		}
		if desc.Stored {
			stored = append(stored, toStored(f.Name, val))
		}
	}

	enc := &Encoded{Terms: make([]TermEntry, 0, len(counts))}
	for term, n := range counts {
		enc.Terms = append(enc.Terms, TermEntry{Term: term, Count: n})
	}
	sort.Slice(enc.Terms, func(i, j int) bool {
		return enc.Terms[i].Term < enc.Terms[j].Term
	})

	blob, err := msgpack.Marshal(stored)
	if err != nil {
		return nil, &apperrors.EncodingError{Field: "(stored)", Err: fmt.Errorf("marshaling stored fields: %w", err)}
	}
	enc.Stored = blob
	return enc, nil
}

// ValueTerms returns the terms a single coerced value contributes to field.
// The executor uses it to turn a query value into dictionary keys.
func ValueTerms(field string, val Value) ([]string, error) {
	counts := make(map[string]int)
	if err := addTerms(counts, field, val); err != nil {
		return nil, err
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms, nil
}

func addTerms(counts map[string]int, field string, val Value) error {
	switch val.Kind {
	case schema.Text:
		words, n := tokenizer.Terms(val.Str)
		for i, w := range words {
			counts[MakeTerm(field, []byte(w))] += n[i]
		}
	case schema.Keyword:
		counts[MakeTerm(field, []byte(val.Str))]++
	case schema.Integer, schema.Timestamp:
		key, err := val.Key()
		if err != nil {
			return err
		}
		counts[MakeTerm(field, key)]++
	default:
		return fmt.Errorf("unknown field type %v", val.Kind)
	}
	return nil
}

func toStored(name string, val Value) storedField {
	sf := storedField{Name: name, Kind: uint8(val.Kind)}
	switch val.Kind {
	case schema.Text, schema.Keyword:
		sf.Str = val.Str
	case schema.Integer:
		sf.Int = val.Int
	case schema.Timestamp:
		sf.Int = val.Time.UnixNano()
	}
	return sf
}

// EncodeStored produces the stored blob for a document whose values are
// already canonical, as returned by DecodeStored. Values of any other Go type
// are an error.
func EncodeStored(doc Document) ([]byte, error) {
	stored := make([]storedField, 0, len(doc))
	for _, f := range doc {
		var val Value
		switch v := f.Value.(type) {
		case string:
			val = Value{Kind: schema.Text, Str: v}
		case int64:
			val = Value{Kind: schema.Integer, Int: v}
		case time.Time:
			val = Value{Kind: schema.Timestamp, Time: v}
		default:
			return nil, fmt.Errorf("field %q: %w (%T)", f.Name, errUnsupported, f.Value)
		}
		stored = append(stored, toStored(f.Name, val))
	}
	b, err := msgpack.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshaling stored fields: %w", err)
	}
	return b, nil
}

// DecodeStored decodes a blob produced by Encode back into a Document whose
// values are in canonical form: string, int64 or UTC time.Time.
func DecodeStored(blob []byte) (Document, error) {
	if len(blob) == 0 {
		return Document{}, nil
	}
	var stored []storedField
	if err := msgpack.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("unmarshaling stored fields: %w", err)
	}
	doc := make(Document, 0, len(stored))
	for _, sf := range stored {
		var v any
		switch schema.FieldType(sf.Kind) {
		case schema.Text, schema.Keyword:
			v = sf.Str
		case schema.Integer:
			v = sf.Int
		case schema.Timestamp:
			v = time.Unix(0, sf.Int).UTC()
		default:
			return nil, fmt.Errorf("stored field %q has unknown kind %d", sf.Name, sf.Kind)
		}
		doc = append(doc, Field{Name: sf.Name, Value: v})
	}
	return doc, nil
}
