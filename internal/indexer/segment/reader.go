package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/pierrec/lz4/v4"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// Open loads the segment file at path fully into memory. I/O failures are
// reported as StorageError; a file that does not parse or whose checksum does
// not match is reported as CorruptionError and never partially loaded.
func Open(path string) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewStorage("read segment", path, err)
	}
	if len(data) < HeaderSize {
		return nil, apperrors.Corruptf(path, "file is %d bytes, shorter than header", len(data))
	}
	h := decodeHeader(data[:HeaderSize])
	if h.Magic != MagicBytes {
		return nil, apperrors.Corruptf(path, "bad magic bytes %x", h.Magic)
	}
	if h.Version != FormatVersion {
		return nil, apperrors.Corruptf(path, "unsupported format version %d", h.Version)
	}
	compressed := data[HeaderSize:]
	if uint64(len(compressed)) != h.BodySize {
		return nil, apperrors.Corruptf(path, "body is %d bytes, header says %d", len(compressed), h.BodySize)
	}
	if sum := crc32.ChecksumIEEE(compressed); sum != h.Checksum {
		return nil, apperrors.Corruptf(path, "checksum mismatch: got %08x, want %08x", sum, h.Checksum)
	}
	body, err := io.ReadAll(lz4.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, apperrors.Corruptf(path, "decompressing body: %v", err)
	}

	seg, err := decodeBody(ID(h.SegmentID), body, int(h.DocCount), int(h.TermCount))
	if err != nil {
		return nil, apperrors.Corruptf(path, "%v", err)
	}
	if uint64(seg.MinDoc()) != h.MinDoc || uint64(seg.MaxDoc()) != h.MaxDoc {
		return nil, apperrors.Corruptf(path, "document range [%d, %d] does not match header [%d, %d]",
			seg.MinDoc(), seg.MaxDoc(), h.MinDoc, h.MaxDoc)
	}
	seg.path = path
	return seg, nil
}

type bodyReader struct {
	buf []byte
	off int
}

func (r *bodyReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed varint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *bodyReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("length %d at offset %d overruns body", n, r.off)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func decodeBody(id ID, body []byte, docCount, termCount int) (*Segment, error) {
	r := &bodyReader{buf: body}
	docs := make([]document.ID, 0, docCount)
	stored := make([][]byte, 0, docCount)
	var prev uint64
	for i := 0; i < docCount; i++ {
		delta, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("doc %d: %w", i, err)
		}
		if delta == 0 {
			return nil, fmt.Errorf("doc %d: ids not strictly ascending", i)
		}
		prev += delta
		blob, err := r.bytes()
		if err != nil {
			return nil, fmt.Errorf("doc %d: %w", i, err)
		}
		docs = append(docs, document.ID(prev))
		stored = append(stored, bytes.Clone(blob))
	}

	terms := make([]TermEntry, 0, termCount)
	for i := 0; i < termCount; i++ {
		term, err := r.bytes()
		if err != nil {
			return nil, fmt.Errorf("term %d: %w", i, err)
		}
		if i > 0 && string(term) <= terms[i-1].Term {
			return nil, fmt.Errorf("term %d: dictionary not sorted", i)
		}
		raw, err := r.bytes()
		if err != nil {
			return nil, fmt.Errorf("term %d: %w", i, err)
		}
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("term %d postings: %w", i, err)
		}
		terms = append(terms, TermEntry{Term: string(term), Postings: bm})
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("%d trailing bytes after dictionary", len(body)-r.off)
	}
	return newSegment(id, terms, docs, stored), nil
}
