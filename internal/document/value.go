package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
)

var (
	errNotInteger   = errors.New("not an integer")
	errOutOfRange   = errors.New("value out of int64 range")
	errBadTimestamp = errors.New("not an RFC 3339 timestamp or unix nanoseconds")
	errTimeRange    = errors.New("timestamp outside the representable nanosecond range")
	errUnsupported  = errors.New("unsupported value type")
	errBadKeyLength = errors.New("encoded key must be 8 bytes")
	errWrongKindKey = errors.New("value kind has no fixed-width key")
)

// KeySize is the width of the order-preserving integer/timestamp encoding.
const KeySize = 8

// Value is the canonical form of a field value after coercion to its
// declared type. Exactly one of Str, Int or Time is meaningful, selected by
// Kind.
type Value struct {
	Kind schema.FieldType
	Str  string
	Int  int64
	Time time.Time
}

// Interface returns the Go value stored in v: string for text and keyword,
// int64 for integer and time.Time (UTC) for timestamp.
func (v Value) Interface() any {
	switch v.Kind {
	case schema.Text, schema.Keyword:
		return v.Str
	case schema.Integer:
		return v.Int
	case schema.Timestamp:
		return v.Time
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case schema.Integer:
		return strconv.FormatInt(v.Int, 10)
	case schema.Timestamp:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return v.Str
	}
}

// Key returns the fixed-width, order-preserving byte form of an integer or
// timestamp value.
func (v Value) Key() ([]byte, error) {
	switch v.Kind {
	case schema.Integer:
		return EncodeInt(v.Int), nil
	case schema.Timestamp:
		return EncodeInt(v.Time.UnixNano()), nil
	}
	return nil, errWrongKindKey
}

// Coerce converts a raw Go value to the canonical Value for field type t.
func Coerce(t schema.FieldType, raw any) (Value, error) {
	switch t {
	case schema.Text, schema.Keyword:
		s, err := coerceString(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: t, Str: s}, nil
	case schema.Integer:
		n, err := coerceInt(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: t, Int: n}, nil
	case schema.Timestamp:
		ts, err := coerceTime(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: t, Time: ts}, nil
	}
	return Value{}, fmt.Errorf("unknown field type %v", t)
}

func coerceString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case error:
		return v.Error(), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", errUnsupported
}

func coerceInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case string:
		return parseInt(v)
	case []byte:
		return parseInt(string(v))
	}
	return 0, errUnsupported
}

func uintToInt(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errOutOfRange
	}
	return int64(v), nil
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errNotInteger
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errOutOfRange
	}
	return int64(f), nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, errOutOfRange
		}
		return 0, errNotInteger
	}
	return n, nil
}

func coerceTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return normalizeTime(v)
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	}
	n, err := coerceInt(raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return normalizeTime(ts)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(0, n).UTC(), nil
	}
	return time.Time{}, errBadTimestamp
}

// normalizeTime drops the monotonic reading and location and rejects instants
// that do not survive the round trip through UnixNano.
func normalizeTime(ts time.Time) (time.Time, error) {
	out := time.Unix(0, ts.UnixNano()).UTC()
	if !out.Equal(ts) {
		return time.Time{}, errTimeRange
	}
	return out, nil
}

// EncodeInt writes n as 8 big-endian bytes with the sign bit flipped so that
// byte-wise comparison matches numeric order.
func EncodeInt(n int64) []byte {
	var b [KeySize]byte
	binary.BigEndian.PutUint64(b[:], uint64(n)^(1<<63))
	return b[:]
}

// DecodeInt is the inverse of EncodeInt.
func DecodeInt(b []byte) (int64, error) {
	if len(b) != KeySize {
		return 0, errBadKeyLength
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}
