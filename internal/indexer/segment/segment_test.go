package segment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

func testSchema() *schema.Schema {
	return schema.MustDefine(
		schema.Field{Name: "level", Type: schema.Keyword, Indexed: true, Stored: true},
		schema.Field{Name: "msg", Type: schema.Text, Indexed: true, Stored: true},
		schema.Field{Name: "n", Type: schema.Integer, Indexed: true, Stored: true},
	)
}

func ids(t *testing.T, bm *roaring64.Bitmap) []uint64 {
	t.Helper()
	if bm == nil {
		return nil
	}
	out := []uint64{}
	return append(out, bm.ToArray()...)
}

func buildSegment(t *testing.T, id ID, firstDoc document.ID, docs ...document.Document) *Segment {
	t.Helper()
	b := NewBuilder(testSchema(), firstDoc)
	for _, d := range docs {
		_, err := b.Add(d)
		require.NoError(t, err)
	}
	seg := b.Freeze(id)
	require.NotNil(t, seg)
	return seg
}

func TestBuilderAssignsSequentialIDs(t *testing.T) {
	b := NewBuilder(testSchema(), 0)
	id1, err := b.Add(document.Document{{Name: "level", Value: "INFO"}})
	require.NoError(t, err)
	id2, err := b.Add(document.Document{{Name: "level", Value: "WARN"}})
	require.NoError(t, err)
	assert.Equal(t, document.ID(1), id1)
	assert.Equal(t, document.ID(2), id2)
	assert.Equal(t, document.ID(3), b.NextID())
	assert.Equal(t, 2, b.Len())
}

func TestBuilderRejectsWithoutConsumingID(t *testing.T) {
	b := NewBuilder(testSchema(), 1)
	_, err := b.Add(document.Document{{Name: "level", Value: "INFO"}, {Name: "n", Value: "abc"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, document.ID(1), b.NextID())

	_, err = b.Add(document.Document{{Name: "unknown", Value: "x"}})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	id, err := b.Add(document.Document{{Name: "level", Value: "INFO"}})
	require.NoError(t, err)
	assert.Equal(t, document.ID(1), id)
	seg := b.Freeze(1)
	assert.Nil(t, seg.Postings(document.MakeTerm("n", document.EncodeInt(0))))
}

func TestFreezeIsIsolatedFromBuilder(t *testing.T) {
	b := NewBuilder(testSchema(), 1)
	_, err := b.Add(document.Document{{Name: "level", Value: "INFO"}})
	require.NoError(t, err)
	seg := b.Freeze(1)
	_, err = b.Add(document.Document{{Name: "level", Value: "INFO"}})
	require.NoError(t, err)

	assert.Equal(t, []uint64{1}, ids(t, seg.Postings(document.MakeTerm("level", []byte("INFO")))))
	assert.Equal(t, 1, seg.DocCount())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Freeze(2))
	assert.Equal(t, document.ID(3), b.NextID())
}

func TestSegmentLookups(t *testing.T) {
	seg := buildSegment(t, 1, 1,
		document.Document{{Name: "level", Value: "INFO"}, {Name: "msg", Value: "server started"}},
		document.Document{{Name: "level", Value: "ERROR"}, {Name: "msg", Value: "server crashed"}},
	)
	assert.Equal(t, []uint64{1}, ids(t, seg.Postings(document.MakeTerm("level", []byte("INFO")))))
	assert.Equal(t, []uint64{1, 2}, ids(t, seg.Postings(document.MakeTerm("msg", []byte("server")))))
	assert.Nil(t, seg.Postings(document.MakeTerm("msg", []byte("missing"))))
	assert.Equal(t, []uint64{1, 2}, ids(t, seg.All()))
	assert.Equal(t, document.ID(1), seg.MinDoc())
	assert.Equal(t, document.ID(2), seg.MaxDoc())

	blob, ok := seg.Stored(2)
	require.True(t, ok)
	doc, err := document.DecodeStored(blob)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", doc[0].Value)
	_, ok = seg.Stored(3)
	assert.False(t, ok)
}

func TestSegmentRange(t *testing.T) {
	var docs []document.Document
	for _, n := range []int{1, 5, 10, 15, -3} {
		docs = append(docs, document.Document{{Name: "n", Value: n}})
	}
	seg := buildSegment(t, 1, 1, docs...)

	bound := func(n int64, inclusive bool) *Bound {
		return &Bound{Value: document.EncodeInt(n), Inclusive: inclusive}
	}
	assert.Equal(t, []uint64{2, 3}, ids(t, seg.Range("n", bound(5, true), bound(10, true))))
	assert.Equal(t, []uint64{}, ids(t, seg.Range("n", bound(5, false), bound(10, false))))
	assert.Equal(t, []uint64{3}, ids(t, seg.Range("n", bound(5, false), bound(10, true))))
	assert.Equal(t, []uint64{1, 2, 5}, ids(t, seg.Range("n", nil, bound(5, true))))
	assert.Equal(t, []uint64{3, 4}, ids(t, seg.Range("n", bound(10, true), nil)))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(t, seg.Range("n", nil, nil)))
	assert.Equal(t, []uint64{}, ids(t, seg.Range("n", bound(10, true), bound(5, true))))
	assert.Equal(t, []uint64{}, ids(t, seg.Range("level", nil, nil)))
}

func TestFieldPostings(t *testing.T) {
	seg := buildSegment(t, 1, 1,
		document.Document{{Name: "level", Value: "INFO"}, {Name: "n", Value: 3}},
		document.Document{{Name: "msg", Value: "no level here"}},
		document.Document{{Name: "level", Value: "WARN"}, {Name: "msg", Value: "disk"}},
	)
	assert.Equal(t, []uint64{1, 3}, ids(t, seg.FieldPostings("level")))
	assert.Equal(t, []uint64{2, 3}, ids(t, seg.FieldPostings("msg")))
	assert.Equal(t, []uint64{1}, ids(t, seg.FieldPostings("n")))
	assert.Equal(t, []uint64{}, ids(t, seg.FieldPostings("target")))
}

func TestMergePreservesIDsAndPostings(t *testing.T) {
	a := buildSegment(t, 1, 1,
		document.Document{{Name: "level", Value: "INFO"}, {Name: "msg", Value: "alpha"}},
		document.Document{{Name: "level", Value: "WARN"}, {Name: "msg", Value: "beta"}},
	)
	b := buildSegment(t, 2, 3,
		document.Document{{Name: "level", Value: "INFO"}, {Name: "msg", Value: "gamma"}},
	)
	m := Merge(3, b, a)
	assert.Equal(t, ID(3), m.ID())
	assert.Equal(t, 3, m.DocCount())
	assert.Equal(t, []document.ID{1, 2, 3}, m.Docs())
	assert.Equal(t, []uint64{1, 3}, ids(t, m.Postings(document.MakeTerm("level", []byte("INFO")))))
	assert.Equal(t, []uint64{3}, ids(t, m.Postings(document.MakeTerm("msg", []byte("gamma")))))

	blob, ok := m.Stored(3)
	require.True(t, ok)
	doc, err := document.DecodeStored(blob)
	require.NoError(t, err)
	assert.Equal(t, "gamma", doc[1].Value)

	// inputs are untouched
	assert.Equal(t, []uint64{1}, ids(t, a.Postings(document.MakeTerm("level", []byte("INFO")))))
}

func TestRefcountReleaseHook(t *testing.T) {
	seg := buildSegment(t, 1, 1, document.Document{{Name: "level", Value: "INFO"}})
	seg.Retain()
	seg.Retain()
	calls := 0
	seg.MarkObsolete(func() { calls++ })
	assert.Equal(t, 0, calls)
	seg.Release()
	assert.Equal(t, 0, calls)
	seg.Release()
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(0), seg.Refs())

	other := buildSegment(t, 2, 1, document.Document{{Name: "level", Value: "INFO"}})
	other.MarkObsolete(func() { calls++ })
	assert.Equal(t, 2, calls)
}

func TestWriteOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seg := buildSegment(t, 7, 10,
		document.Document{{Name: "level", Value: "INFO"}, {Name: "msg", Value: "server started"}, {Name: "n", Value: 5}},
		document.Document{{Name: "level", Value: "ERROR"}, {Name: "msg", Value: "disk full"}, {Name: "n", Value: -5}},
	)
	path, err := Write(dir, seg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName(7)), path)
	assert.Equal(t, path, seg.Path())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, ID(7), loaded.ID())
	assert.Equal(t, seg.Docs(), loaded.Docs())
	assert.Equal(t, seg.TermCount(), loaded.TermCount())
	for _, te := range seg.Dictionary() {
		assert.Equal(t, te.Postings.ToArray(), ids(t, loaded.Postings(te.Term)), te.Term)
	}
	for _, d := range seg.Docs() {
		want, _ := seg.Stored(d)
		got, ok := loaded.Stored(d)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestWriteEmptySegment(t *testing.T) {
	_, err := Write(t.TempDir(), nil)
	assert.True(t, errors.Is(err, apperrors.ErrStorage))
}

func TestOpenDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	seg := buildSegment(t, 1, 1, document.Document{{Name: "msg", Value: "hello world"}})
	path, err := Write(dir, seg)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	cases := map[string][]byte{
		"truncated header": data[:HeaderSize-1],
		"truncated body":   data[:len(data)-1],
		"bad magic":        append([]byte{0, 0, 0, 0}, data[4:]...),
	}
	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	cases["flipped body byte"] = flipped

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, "bad"+FileExt)
			require.NoError(t, os.WriteFile(p, content, 0644))
			_, err := Open(p)
			var ce *apperrors.CorruptionError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, p, ce.Path)
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"+FileExt))
	assert.True(t, errors.Is(err, apperrors.ErrStorage))
	assert.False(t, errors.Is(err, apperrors.ErrCorruption))
}
