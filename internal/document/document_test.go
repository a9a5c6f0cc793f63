package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

func testSchema() *schema.Schema {
	return schema.MustDefine(
		schema.Field{Name: "level", Type: schema.Keyword, Indexed: true, Stored: true},
		schema.Field{Name: "msg", Type: schema.Text, Indexed: true, Stored: true},
		schema.Field{Name: "n", Type: schema.Integer, Indexed: true, Stored: true},
		schema.Field{Name: "ts", Type: schema.Timestamp, Indexed: true, Stored: true},
		schema.Field{Name: "secret", Type: schema.Keyword, Indexed: true},
		schema.Field{Name: "blob", Type: schema.Text, Stored: true},
	)
}

func termStrings(enc *Encoded) []string {
	out := make([]string, 0, len(enc.Terms))
	for _, te := range enc.Terms {
		out = append(out, te.Term)
	}
	return out
}

func TestEncodeTerms(t *testing.T) {
	s := testSchema()
	doc := Document{
		{Name: "level", Value: "INFO"},
		{Name: "msg", Value: "Server started, server ready"},
		{Name: "n", Value: 42},
	}
	enc, err := Encode(doc, s)
	require.NoError(t, err)

	want := []string{
		MakeTerm("level", []byte("INFO")),
		MakeTerm("msg", []byte("ready")),
		MakeTerm("msg", []byte("server")),
		MakeTerm("msg", []byte("started")),
		MakeTerm("n", EncodeInt(42)),
	}
	sort.Strings(want)
	assert.Equal(t, want, termStrings(enc))

	for _, te := range enc.Terms {
		if te.Term == MakeTerm("msg", []byte("server")) {
			assert.Equal(t, 2, te.Count)
		}
	}
}

func TestEncodeSkipsUnindexedAndUnstored(t *testing.T) {
	s := testSchema()
	doc := Document{
		{Name: "secret", Value: "s3cr3t"},
		{Name: "blob", Value: "not searchable"},
	}
	enc, err := Encode(doc, s)
	require.NoError(t, err)
	assert.Equal(t, []string{MakeTerm("secret", []byte("s3cr3t"))}, termStrings(enc))

	decoded, err := DecodeStored(enc.Stored)
	require.NoError(t, err)
	assert.Equal(t, Document{{Name: "blob", Value: "not searchable"}}, decoded)
}

func TestEncodeValidationError(t *testing.T) {
	_, err := Encode(Document{{Name: "level", Value: "INFO"}, {Name: "host", Value: "a"}}, testSchema())
	var ve *apperrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "host", ve.Field)
}

func TestEncodeEncodingError(t *testing.T) {
	_, err := Encode(Document{{Name: "n", Value: "not-a-number"}}, testSchema())
	var ee *apperrors.EncodingError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "n", ee.Field)
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))

	_, err = Encode(Document{{Name: "n", Value: 1.5}}, testSchema())
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))

	_, err = Encode(Document{{Name: "ts", Value: "yesterday"}}, testSchema())
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))
}

func TestStoredRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 17, 4, 5, 123456789, time.UTC)
	doc := Document{
		{Name: "level", Value: "WARN"},
		{Name: "msg", Value: "disk ünïcode ✓"},
		{Name: "n", Value: int64(math.MinInt64)},
		{Name: "n", Value: int64(math.MaxInt64)},
		{Name: "ts", Value: ts},
	}
	enc, err := Encode(doc, testSchema())
	require.NoError(t, err)

	decoded, err := DecodeStored(enc.Stored)
	require.NoError(t, err)
	require.Len(t, decoded, len(doc))
	for i := range doc {
		assert.Equal(t, doc[i].Name, decoded[i].Name)
	}
	assert.Equal(t, "WARN", decoded[0].Value)
	assert.Equal(t, "disk ünïcode ✓", decoded[1].Value)
	assert.Equal(t, int64(math.MinInt64), decoded[2].Value)
	assert.Equal(t, int64(math.MaxInt64), decoded[3].Value)
	got, ok := decoded[4].Value.(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
	assert.Equal(t, ts.UnixNano(), got.UnixNano())
}

func TestStoredRoundTripCoercedValues(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	doc := Document{
		{Name: "n", Value: "17"},
		{Name: "ts", Value: time.Date(2020, 1, 1, 1, 0, 0, 0, loc)},
		{Name: "level", Value: true},
	}
	enc, err := Encode(doc, testSchema())
	require.NoError(t, err)
	decoded, err := DecodeStored(enc.Stored)
	require.NoError(t, err)
	assert.Equal(t, int64(17), decoded[0].Value)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), decoded[1].Value)
	assert.Equal(t, "true", decoded[2].Value)
}

func TestEncodeIntOrderPreserving(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 5, 10, 15, 1 << 40, math.MaxInt64}
	for i := 1; i < len(values); i++ {
		a, b := EncodeInt(values[i-1]), EncodeInt(values[i])
		assert.Equal(t, -1, bytes.Compare(a, b), "%d vs %d", values[i-1], values[i])
	}
	for _, v := range values {
		got, err := DecodeInt(EncodeInt(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := DecodeInt([]byte{1, 2})
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(schema.Integer, uint32(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int)

	_, err = Coerce(schema.Integer, uint64(math.MaxUint64))
	assert.Error(t, err)

	v, err = Coerce(schema.Timestamp, "2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), v.Time)

	v, err = Coerce(schema.Timestamp, "1000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v.Time.UnixNano())

	_, err = Coerce(schema.Timestamp, time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)

	v, err = Coerce(schema.Keyword, 3.0)
	require.NoError(t, err)
	assert.Equal(t, "3", v.Str)
}

func TestTermSplit(t *testing.T) {
	term := MakeTerm("level", []byte("INFO"))
	field, value, ok := SplitTerm(term)
	require.True(t, ok)
	assert.Equal(t, "level", field)
	assert.Equal(t, []byte("INFO"), value)

	assert.Less(t, MakeTerm("a", []byte("zzz")), MakeTerm("ab", nil))
}

func TestFromMap(t *testing.T) {
	doc := FromMap(map[string]any{
		"msg":   "hello",
		"level": "INFO",
		"props": map[string]any{
			"user": map[string]any{"id": 7},
			"tags": []any{"a", "b"},
		},
		"skip": nil,
	})
	assert.Equal(t, Document{
		{Name: "level", Value: "INFO"},
		{Name: "msg", Value: "hello"},
		{Name: "props.tags", Value: "a"},
		{Name: "props.tags", Value: "b"},
		{Name: "props.user.id", Value: 7},
	}, doc)
}

func TestDocumentMap(t *testing.T) {
	doc := Document{{Name: "a", Value: 1}, {Name: "b", Value: 2}, {Name: "a", Value: 3}}
	m := doc.Map()
	assert.Equal(t, []any{1, 3}, m["a"])
	assert.Equal(t, 2, m["b"])
	assert.Equal(t, []any{1, 3}, doc.Values("a"))
	v, ok := doc.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestFromMapJSONNumbers(t *testing.T) {
	dec := json.NewDecoder(bytes.NewReader([]byte(`{"n": 9007199254740993, "f": 1.5}`)))
	dec.UseNumber()
	var event map[string]any
	require.NoError(t, dec.Decode(&event))

	doc := FromMap(event)
	n, _ := doc.Get("n")
	assert.Equal(t, int64(9007199254740993), n)
	f, _ := doc.Get("f")
	assert.Equal(t, 1.5, f)
}

func TestEncodeStoredMatchesEncode(t *testing.T) {
	s := testSchema()
	enc, err := Encode(Document{
		{Name: "level", Value: "WARN"},
		{Name: "n", Value: 12},
		{Name: "ts", Value: "2024-05-01T10:00:00Z"},
	}, s)
	require.NoError(t, err)
	decoded, err := DecodeStored(enc.Stored)
	require.NoError(t, err)

	blob, err := EncodeStored(decoded)
	require.NoError(t, err)
	again, err := DecodeStored(blob)
	require.NoError(t, err)
	assert.Equal(t, decoded, again)

	_, err = EncodeStored(Document{{Name: "x", Value: 1.5}})
	assert.Error(t, err)
}
