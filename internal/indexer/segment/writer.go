package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"

	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// MagicBytes identifies a valid .lsx segment file.
const (
	MagicBytes    uint32 = 0x4C535831
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
	FileExt              = ".lsx"
)

// Header is the fixed 64-byte header written at the start of every segment
// file. The body that follows is lz4 compressed; Checksum covers the
// compressed bytes.
type Header struct {
	Magic     uint32
	Version   uint32
	TermCount uint32
	DocCount  uint32
	SegmentID uint64
	MinDoc    uint64
	MaxDoc    uint64
	CreatedAt int64
	BodySize  uint64
	Checksum  uint32
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], h.SegmentID)
	binary.LittleEndian.PutUint64(b[24:32], h.MinDoc)
	binary.LittleEndian.PutUint64(b[32:40], h.MaxDoc)
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(b[48:56], h.BodySize)
	binary.LittleEndian.PutUint32(b[56:60], h.Checksum)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:     binary.LittleEndian.Uint32(b[0:4]),
		Version:   binary.LittleEndian.Uint32(b[4:8]),
		TermCount: binary.LittleEndian.Uint32(b[8:12]),
		DocCount:  binary.LittleEndian.Uint32(b[12:16]),
		SegmentID: binary.LittleEndian.Uint64(b[16:24]),
		MinDoc:    binary.LittleEndian.Uint64(b[24:32]),
		MaxDoc:    binary.LittleEndian.Uint64(b[32:40]),
		CreatedAt: int64(binary.LittleEndian.Uint64(b[40:48])),
		BodySize:  binary.LittleEndian.Uint64(b[48:56]),
		Checksum:  binary.LittleEndian.Uint32(b[56:60]),
	}
}

// FileName returns the file name used for segment id.
func FileName(id ID) string {
	return fmt.Sprintf("seg_%020d%s", uint64(id), FileExt)
}

// Write persists seg into dir. It writes to a .tmp file, syncs it and renames
// it into place so a crash never leaves a partial segment under the final
// name. On success the segment remembers the path it was written to.
func Write(dir string, seg *Segment) (string, error) {
	if seg == nil || seg.DocCount() == 0 {
		return "", apperrors.NewStorage("write segment", dir, fmt.Errorf("cannot write empty segment"))
	}
	body, err := encodeBody(seg)
	if err != nil {
		return "", apperrors.NewStorage("encode segment", dir, err)
	}

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(body); err != nil {
		return "", apperrors.NewStorage("compress segment", dir, err)
	}
	if err := zw.Close(); err != nil {
		return "", apperrors.NewStorage("compress segment", dir, err)
	}

	header := Header{
		Magic:     MagicBytes,
		Version:   FormatVersion,
		TermCount: uint32(seg.TermCount()),
		DocCount:  uint32(seg.DocCount()),
		SegmentID: uint64(seg.ID()),
		MinDoc:    uint64(seg.MinDoc()),
		MaxDoc:    uint64(seg.MaxDoc()),
		CreatedAt: time.Now().Unix(),
		BodySize:  uint64(compressed.Len()),
		Checksum:  crc32.ChecksumIEEE(compressed.Bytes()),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.NewStorage("create segment directory", dir, err)
	}
	finalPath := filepath.Join(dir, FileName(seg.ID()))
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", apperrors.NewStorage("create segment file", tmpPath, err)
	}
	defer f.Close()

	if _, err := f.Write(header.encode()); err != nil {
		os.Remove(tmpPath)
		return "", apperrors.NewStorage("write segment header", tmpPath, err)
	}
	if _, err := f.Write(compressed.Bytes()); err != nil {
		os.Remove(tmpPath)
		return "", apperrors.NewStorage("write segment body", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmpPath)
		return "", apperrors.NewStorage("sync segment file", tmpPath, err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", apperrors.NewStorage("rename segment file", finalPath, err)
	}
	seg.path = finalPath
	return finalPath, nil
}

// encodeBody lays out the uncompressed body: the stored documents as
// (delta id, blob) pairs followed by the dictionary as (term, bitmap) pairs.
// Every variable-length item is prefixed with its uvarint length.
func encodeBody(seg *Segment) ([]byte, error) {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}

	var prev uint64
	for i, d := range seg.docs {
		putUvarint(uint64(d) - prev)
		prev = uint64(d)
		putUvarint(uint64(len(seg.stored[i])))
		buf.Write(seg.stored[i])
	}
	for _, te := range seg.terms {
		putUvarint(uint64(len(te.Term)))
		buf.WriteString(te.Term)
		bm, err := te.Postings.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("serializing postings for term %q: %w", te.Term, err)
		}
		putUvarint(uint64(len(bm)))
		buf.Write(bm)
	}
	return buf.Bytes(), nil
}
