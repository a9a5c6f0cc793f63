// Package schema declares the fields a log event may carry, how each one is
// typed, and whether it is indexed and/or stored. A Schema is immutable once
// defined and every ingested document must conform to it.
package schema

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// FieldType is the closed set of value types a field can hold.
type FieldType uint8

const (
	Text FieldType = iota + 1
	Keyword
	Integer
	Timestamp
)

func (t FieldType) String() string {
	switch t {
	case Text:
		return "text"
	case Keyword:
		return "keyword"
	case Integer:
		return "integer"
	case Timestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// ParseFieldType accepts the lower-case names produced by String.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return Text, nil
	case "keyword", "string":
		return Keyword, nil
	case "integer", "int":
		return Integer, nil
	case "timestamp", "time":
		return Timestamp, nil
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

func (t FieldType) MarshalText() ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("unknown field type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *FieldType) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t FieldType) valid() bool {
	return t >= Text && t <= Timestamp
}

// textual reports whether values of this type can be the primary field.
func (t FieldType) textual() bool {
	return t == Text || t == Keyword
}

// Field describes one named field of the schema.
type Field struct {
	Name    string    `yaml:"name" json:"name"`
	Type    FieldType `yaml:"type" json:"type"`
	Indexed bool      `yaml:"indexed" json:"indexed"`
	Stored  bool      `yaml:"stored" json:"stored"`
	Primary bool      `yaml:"primary" json:"primary,omitempty"`
}

// Schema is the validated, immutable set of field descriptors.
type Schema struct {
	fields  []Field
	byName  map[string]int
	primary int
}

// Define validates the descriptors and builds a Schema. Field names must be
// unique and at least one indexed text or keyword field must exist; if no
// field is flagged Primary the first indexed textual field becomes primary.
func Define(fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, &apperrors.SchemaError{Message: "no fields declared"}
	}
	s := &Schema{
		fields:  make([]Field, len(fields)),
		byName:  make(map[string]int, len(fields)),
		primary: -1,
	}
	copy(s.fields, fields)
	for i, f := range s.fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, &apperrors.SchemaError{Message: fmt.Sprintf("field %d has an empty name", i)}
		}
		if strings.ContainsAny(f.Name, ":\x00 \t\n") {
			return nil, &apperrors.SchemaError{Field: f.Name, Message: "name contains a reserved character"}
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, &apperrors.SchemaError{Field: f.Name, Message: "duplicate field name"}
		}
		if !f.Type.valid() {
			return nil, &apperrors.SchemaError{Field: f.Name, Message: "unknown field type"}
		}
		if f.Primary {
			if !f.Indexed || !f.Type.textual() {
				return nil, &apperrors.SchemaError{Field: f.Name, Message: "primary field must be an indexed text or keyword field"}
			}
			if s.primary >= 0 {
				return nil, &apperrors.SchemaError{Field: f.Name, Message: "more than one primary field"}
			}
			s.primary = i
		}
		s.byName[f.Name] = i
	}
	if s.primary < 0 {
		for i, f := range s.fields {
			if f.Indexed && f.Type.textual() {
				s.primary = i
				s.fields[i].Primary = true
				break
			}
		}
	}
	if s.primary < 0 {
		return nil, &apperrors.SchemaError{Message: "at least one indexed text or keyword field is required"}
	}
	return s, nil
}

// MustDefine is Define for static schemas in tests and examples.
func MustDefine(fields ...Field) *Schema {
	s, err := Define(fields)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the descriptor for name.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Fields returns a copy of the descriptors in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Primary() Field {
	return s.fields[s.primary]
}

func (s *Schema) Len() int {
	return len(s.fields)
}

// Validate checks that name is declared and that v has a Go type that can be
// coerced to the declared field type. It does not attempt the coercion; a
// compatible value that still fails to convert (a non-numeric string in an
// integer field) is an encoding error, not a validation error.
func (s *Schema) Validate(name string, v any) error {
	f, ok := s.Lookup(name)
	if !ok {
		return &apperrors.ValidationError{Field: name, Message: "field is not declared in the schema"}
	}
	if v == nil {
		return &apperrors.ValidationError{Field: name, Message: "value is nil"}
	}
	if !Compatible(f.Type, v) {
		return &apperrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("value of type %T is not compatible with %s", v, f.Type),
		}
	}
	return nil
}

// Compatible reports whether a raw Go value may be coerced to t.
func Compatible(t FieldType, v any) bool {
	switch v.(type) {
	case string, []byte:
		return true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t == Keyword || t == Integer || t == Timestamp
	case float32, float64:
		return t == Integer || t == Keyword
	case bool:
		return t == Keyword
	case time.Time:
		return t == Timestamp
	case fmt.Stringer, error:
		return t == Text || t == Keyword
	}
	return false
}
