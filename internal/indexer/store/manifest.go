package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

const (
	ManifestFile    = "MANIFEST.json"
	ManifestVersion = 1
)

// Manifest records the committed state of a persisted index: which segment
// files are live, in order, and where id assignment resumes.
type Manifest struct {
	Version       int               `json:"version"`
	Generation    uint64            `json:"generation"`
	NextDocID     uint64            `json:"next_doc_id"`
	NextSegmentID uint64            `json:"next_segment_id"`
	Schema        []schema.Field    `json:"schema,omitempty"`
	Segments      []ManifestSegment `json:"segments"`
}

// ManifestSegment describes one live segment file.
type ManifestSegment struct {
	ID     uint64 `json:"id"`
	File   string `json:"file"`
	Docs   int    `json:"docs"`
	MinDoc uint64 `json:"min_doc"`
	MaxDoc uint64 `json:"max_doc"`
}

// LoadManifest reads the manifest in dir. It returns (nil, nil) when the
// directory has never held an index.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorage("read manifest", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Corruptf(path, "decoding manifest: %v", err)
	}
	if m.Version != ManifestVersion {
		return nil, apperrors.Corruptf(path, "unsupported manifest version %d", m.Version)
	}
	var last uint64
	for i, s := range m.Segments {
		if s.File == "" || filepath.Base(s.File) != s.File {
			return nil, apperrors.Corruptf(path, "segment entry %d has invalid file name %q", i, s.File)
		}
		if s.MinDoc > s.MaxDoc || (i > 0 && s.MinDoc <= last) {
			return nil, apperrors.Corruptf(path, "segment entry %d has overlapping document range", i)
		}
		last = s.MaxDoc
	}
	if len(m.Segments) > 0 && m.NextDocID <= last {
		return nil, apperrors.Corruptf(path, "next_doc_id %d is not past the last committed document %d", m.NextDocID, last)
	}
	return &m, nil
}

// Save writes the manifest atomically into dir.
func (m *Manifest) Save(dir string) error {
	path := filepath.Join(dir, ManifestFile)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.NewStorage("encode manifest", path, fmt.Errorf("marshaling manifest: %w", err))
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperrors.NewStorage("create manifest", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.NewStorage("write manifest", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.NewStorage("sync manifest", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.NewStorage("close manifest", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperrors.NewStorage("rename manifest", path, err)
	}
	return nil
}
