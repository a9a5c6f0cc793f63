// Package store publishes the set of live segments as immutable, reference
// counted snapshots. Readers acquire the current snapshot without locking and
// keep seeing exactly that set of segments until they release it, no matter
// how many flushes or merges happen in between.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// ErrSnapshotChanged is returned by Swap when one of the segments it was asked
// to replace is no longer part of the current snapshot.
var ErrSnapshotChanged = errors.New("snapshot changed since merge was planned")

// Snapshot is an immutable view of the live segments at one generation.
type Snapshot struct {
	generation uint64
	segments   []*segment.Segment
	nextDoc    document.ID
	refs       atomic.Int64
}

func newSnapshot(gen uint64, segs []*segment.Segment, nextDoc document.ID) *Snapshot {
	snap := &Snapshot{generation: gen, segments: segs, nextDoc: nextDoc}
	for _, s := range segs {
		s.Retain()
	}
	snap.refs.Store(1)
	return snap
}

// Generation increases by one with every publish or swap.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Segments returns the live segments, oldest first. The slice must not be
// modified.
func (s *Snapshot) Segments() []*segment.Segment { return s.segments }

// NextDocID is the id the writer will assign next as of this snapshot.
func (s *Snapshot) NextDocID() document.ID { return s.nextDoc }

// DocCount is the number of committed documents visible in the snapshot.
func (s *Snapshot) DocCount() int {
	n := 0
	for _, seg := range s.segments {
		n += seg.DocCount()
	}
	return n
}

// tryRetain takes a reference unless the snapshot has already been released.
func (s *Snapshot) tryRetain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The last release lets go of the segments.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	for _, seg := range s.segments {
		seg.Release()
	}
}

// Options configures a Store.
type Options struct {
	// Dir is where segments and the manifest live. Empty keeps the store
	// purely in memory.
	Dir    string
	Schema *schema.Schema
}

// Store owns the current snapshot. Publish and Swap are serialized by a
// mutex; readers only touch the atomic pointer.
type Store struct {
	opts    Options
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	nextSeg atomic.Uint64
	closed  atomic.Bool
	logger  *slog.Logger
}

// Open creates a store. When opts.Dir holds a manifest, every segment it
// lists is loaded and verified; a missing or damaged segment or a manifest
// whose schema differs from opts.Schema makes Open fail.
func Open(opts Options) (*Store, error) {
	st := &Store{
		opts:   opts,
		logger: slog.Default().With("component", "store"),
	}
	st.nextSeg.Store(1)
	if opts.Dir == "" {
		st.current.Store(newSnapshot(0, nil, 1))
		return st, nil
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, apperrors.NewStorage("create index directory", opts.Dir, err)
	}
	m, err := LoadManifest(opts.Dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		st.current.Store(newSnapshot(0, nil, 1))
		st.logger.Info("initialized empty index", "dir", opts.Dir)
		return st, nil
	}
	if opts.Schema != nil && len(m.Schema) > 0 {
		if err := checkSchema(m.Schema, opts.Schema); err != nil {
			return nil, err
		}
	}

	segs := make([]*segment.Segment, 0, len(m.Segments))
	for _, ms := range m.Segments {
		path := filepath.Join(opts.Dir, ms.File)
		seg, err := segment.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, apperrors.Corruptf(path, "segment listed in manifest is missing")
			}
			return nil, err
		}
		if seg.DocCount() != ms.Docs || uint64(seg.ID()) != ms.ID {
			return nil, apperrors.Corruptf(path, "segment %d with %d docs does not match manifest entry %d with %d docs",
				seg.ID(), seg.DocCount(), ms.ID, ms.Docs)
		}
		segs = append(segs, seg)
	}
	st.nextSeg.Store(max(m.NextSegmentID, 1))
	st.current.Store(newSnapshot(m.Generation, segs, document.ID(max(m.NextDocID, 1))))
	st.removeOrphans(m)
	st.logger.Info("loaded index",
		"dir", opts.Dir,
		"generation", m.Generation,
		"segments", len(segs),
		"next_doc_id", m.NextDocID,
	)
	return st, nil
}

func checkSchema(stored []schema.Field, want *schema.Schema) error {
	have := want.Fields()
	if len(stored) != len(have) {
		return &apperrors.SchemaError{Message: fmt.Sprintf("index was created with %d fields, schema has %d", len(stored), len(have))}
	}
	for i := range stored {
		if stored[i] != have[i] {
			return &apperrors.SchemaError{Field: have[i].Name, Message: "field differs from the one the index was created with"}
		}
	}
	return nil
}

// removeOrphans deletes segment and temp files left behind by a crash between
// writing a file and committing the manifest.
func (st *Store) removeOrphans(m *Manifest) {
	live := make(map[string]bool, len(m.Segments))
	for _, ms := range m.Segments {
		live[ms.File] = true
	}
	entries, err := os.ReadDir(st.opts.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		orphan := strings.HasSuffix(name, ".tmp") ||
			(strings.HasSuffix(name, segment.FileExt) && !live[name])
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(st.opts.Dir, name)); err == nil {
			st.logger.Warn("removed orphaned file", "file", name)
		}
	}
}

// Dir is the directory backing the store, empty for memory-only stores.
func (st *Store) Dir() string { return st.opts.Dir }

// NewSegmentID reserves a fresh segment id.
func (st *Store) NewSegmentID() segment.ID {
	return segment.ID(st.nextSeg.Add(1) - 1)
}

// Current returns the current snapshot without taking a reference. It is
// only safe to inspect its generation and counts.
func (st *Store) Current() *Snapshot {
	return st.current.Load()
}

// Acquire returns the current snapshot with a reference held for the caller,
// who must Release it.
func (st *Store) Acquire() (*Snapshot, error) {
	for {
		if st.closed.Load() {
			return nil, apperrors.ErrClosed
		}
		snap := st.current.Load()
		if snap.tryRetain() {
			return snap, nil
		}
	}
}

// Publish makes seg visible in a new snapshot. When the store is backed by a
// directory the segment file and the manifest are written first, so a
// published segment is always durable.
func (st *Store) Publish(seg *segment.Segment, nextDoc document.ID) (*Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed.Load() {
		return nil, apperrors.ErrClosed
	}
	old := st.current.Load()
	segs := append(slices.Clone(old.segments), seg)
	if err := st.persist(old.generation+1, segs, nextDoc, seg); err != nil {
		return nil, err
	}
	next := newSnapshot(old.generation+1, segs, nextDoc)
	st.install(old, next)
	return next, nil
}

// Swap replaces the contiguous run olds with merged. If any of olds is no
// longer live, ErrSnapshotChanged is returned and nothing changes.
func (st *Store) Swap(olds []*segment.Segment, merged *segment.Segment) (*Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed.Load() {
		return nil, apperrors.ErrClosed
	}
	if len(olds) == 0 {
		return nil, fmt.Errorf("swap: no segments to replace")
	}
	old := st.current.Load()
	start := slices.Index(old.segments, olds[0])
	if start < 0 || start+len(olds) > len(old.segments) {
		return nil, ErrSnapshotChanged
	}
	for i, s := range olds {
		if old.segments[start+i] != s {
			return nil, ErrSnapshotChanged
		}
	}
	segs := make([]*segment.Segment, 0, len(old.segments)-len(olds)+1)
	segs = append(segs, old.segments[:start]...)
	segs = append(segs, merged)
	segs = append(segs, old.segments[start+len(olds):]...)

	if err := st.persist(old.generation+1, segs, old.nextDoc, merged); err != nil {
		return nil, err
	}
	next := newSnapshot(old.generation+1, segs, old.nextDoc)
	st.install(old, next)
	for _, s := range olds {
		path := s.Path()
		id := s.ID()
		s.MarkObsolete(func() {
			if path == "" {
				return
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				st.logger.Error("removing obsolete segment", "segment", id, "error", err)
				return
			}
			st.logger.Debug("removed obsolete segment", "segment", id)
		})
	}
	return next, nil
}

func (st *Store) persist(gen uint64, segs []*segment.Segment, nextDoc document.ID, added *segment.Segment) error {
	if st.opts.Dir == "" {
		return nil
	}
	if added.Path() == "" {
		if _, err := segment.Write(st.opts.Dir, added); err != nil {
			return err
		}
	}
	m := &Manifest{
		Version:       ManifestVersion,
		Generation:    gen,
		NextDocID:     uint64(nextDoc),
		NextSegmentID: st.nextSeg.Load(),
		Segments:      make([]ManifestSegment, 0, len(segs)),
	}
	if st.opts.Schema != nil {
		m.Schema = st.opts.Schema.Fields()
	}
	for _, s := range segs {
		m.Segments = append(m.Segments, ManifestSegment{
			ID:     uint64(s.ID()),
			File:   filepath.Base(s.Path()),
			Docs:   s.DocCount(),
			MinDoc: uint64(s.MinDoc()),
			MaxDoc: uint64(s.MaxDoc()),
		})
	}
	// A segment file written for a manifest that then fails to save is
	// reused on retry, or removed as an orphan on the next Open.
	return m.Save(st.opts.Dir)
}

func (st *Store) install(old, next *Snapshot) {
	st.current.Store(next)
	old.Release()
}

// Close drops the store's reference to the current snapshot. Snapshots still
// held by readers stay valid until they are released.
func (st *Store) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed.Swap(true) {
		return
	}
	st.current.Load().Release()
}
