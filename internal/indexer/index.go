// Package indexer is the entry point of the log search engine. An Index owns
// the single writer buffer and the segment store: Ingest validates and
// buffers documents, Flush turns the buffer into a published segment, and
// Search evaluates a query against the snapshot current at call time.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/store"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
)

// Option customizes an Index.
type Option func(*Index)

// WithMetrics records ingest, flush, merge and search metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ix *Index) { ix.metrics = m }
}

// Index is one log index. It is safe for concurrent use: ingestion and
// flushing are serialized on the writer lock, while searches only acquire a
// snapshot and never wait for the writer.
type Index struct {
	cfg     config.IndexConfig
	schema  *schema.Schema
	store   *store.Store
	merger  *store.Merger
	metrics *metrics.Metrics
	logger  *slog.Logger

	writeMu sync.Mutex
	builder *segment.Builder
	// frozen is the segment built by a flush that failed to publish. It is
	// reused by the next flush as long as nothing was added since.
	frozen  *segment.Segment
	pending atomic.Int64

	closed   atomic.Bool
	bgMu     sync.Mutex
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// Open creates an index for sch. When cfg.DataDir is set, previously
// committed segments are loaded from it; a damaged manifest or segment makes
// Open fail with a CorruptionError rather than serve partial data.
func Open(cfg config.IndexConfig, sch *schema.Schema, opts ...Option) (*Index, error) {
	if sch == nil {
		return nil, &apperrors.SchemaError{Message: "no schema given"}
	}
	st, err := store.Open(store.Options{Dir: cfg.DataDir, Schema: sch})
	if err != nil {
		return nil, fmt.Errorf("opening segment store: %w", err)
	}
	ix := &Index{
		cfg:    cfg,
		schema: sch,
		store:  st,
		logger: slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.builder = segment.NewBuilder(sch, st.Current().NextDocID())
	ix.merger = store.NewMerger(st, store.MergePolicy{
		MaxSegmentDocs: cfg.MergeMaxSegmentDocs,
		MinSegments:    cfg.MergeMinSegments,
		MaxSegments:    cfg.MergeMaxSegments,
	}, ix.observeMerge)
	ix.updateGauges()
	ix.logger.Info("index opened",
		"data_dir", cfg.DataDir,
		"fields", sch.Len(),
		"docs", st.Current().DocCount(),
		"segments", len(st.Current().Segments()),
	)
	return ix, nil
}

// Schema returns the schema the index was opened with.
func (ix *Index) Schema() *schema.Schema { return ix.schema }

// Ingest validates and encodes doc and appends it to the writer buffer. The
// returned id is final, but the document only becomes searchable after the
// next flush. A rejected document leaves the index unchanged.
func (ix *Index) Ingest(doc document.Document) (document.ID, error) {
	if ix.closed.Load() {
		return 0, apperrors.ErrClosed
	}
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if ix.closed.Load() {
		return 0, apperrors.ErrClosed
	}

	id, err := ix.builder.Add(doc)
	if err != nil {
		ix.recordRejection(err)
		return 0, err
	}
	ix.pending.Store(int64(ix.builder.Len()))
	if ix.metrics != nil {
		ix.metrics.DocsIngestedTotal.Inc()
		ix.metrics.PendingDocs.Set(float64(ix.builder.Len()))
	}

	if ix.cfg.FlushMaxDocs > 0 && ix.builder.Len() >= ix.cfg.FlushMaxDocs {
		if err := ix.flushLocked(context.Background()); err != nil {
			// The document is buffered; the next flush retries it.
			ix.logger.Error("automatic flush failed", "error", err, "pending", ix.builder.Len())
		}
	}
	return id, nil
}

// IngestMap flattens a nested event (see document.FromMap) and ingests it.
func (ix *Index) IngestMap(event map[string]any) (document.ID, error) {
	return ix.Ingest(document.FromMap(event))
}

func (ix *Index) recordRejection(err error) {
	reason := "encoding"
	if errors.Is(err, apperrors.ErrValidation) {
		reason = "validation"
	}
	ix.logger.Debug("document rejected", "reason", reason, "error", err)
	if ix.metrics != nil {
		ix.metrics.DocsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// Flush freezes the writer buffer into a segment and publishes it. If ctx is
// already done, or persisting or publishing fails, the buffer is left intact
// so the flush can be retried.
func (ix *Index) Flush(ctx context.Context) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	return ix.flushLocked(ctx)
}

func (ix *Index) flushLocked(ctx context.Context) error {
	n := ix.builder.Len()
	if n == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("flush cancelled: %w", err)
	}
	start := time.Now()
	seg := ix.frozen
	if seg == nil || seg.DocCount() != n {
		seg = ix.builder.Freeze(ix.store.NewSegmentID())
		ix.frozen = seg
	}
	snap, err := ix.store.Publish(seg, ix.builder.NextID())
	if err != nil {
		if ix.metrics != nil {
			ix.metrics.FlushesTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("flushing segment %d: %w", seg.ID(), err)
	}
	ix.builder.Reset()
	ix.frozen = nil
	ix.pending.Store(0)

	elapsed := time.Since(start)
	if ix.metrics != nil {
		ix.metrics.FlushesTotal.WithLabelValues("ok").Inc()
		ix.metrics.FlushDuration.Observe(elapsed.Seconds())
		ix.metrics.PendingDocs.Set(0)
	}
	ix.updateGauges()
	ix.logger.Info("segment flushed",
		"segment", seg.ID(),
		"docs", seg.DocCount(),
		"terms", seg.TermCount(),
		"generation", snap.Generation(),
		"live_segments", len(snap.Segments()),
		"duration", elapsed,
	)
	return nil
}

// Search parses text and evaluates it against the current snapshot. The
// caller must Close the returned Results to release the snapshot early.
func (ix *Index) Search(ctx context.Context, text string) (*executor.Results, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := parser.Parse(text)
	if err != nil {
		return nil, err
	}
	snap, err := ix.store.Acquire()
	if err != nil {
		return nil, err
	}
	ix.logger.Debug("query bound to snapshot", "query", q.String(), "generation", snap.Generation())
	return executor.Execute(q, ix.schema, snap), nil
}

// SearchLimit runs text and collects at most limit hits (all hits when
// limit <= 0). It stops early when ctx is done.
func (ix *Index) SearchLimit(ctx context.Context, text string, limit int) ([]executor.Hit, error) {
	start := time.Now()
	res, err := ix.Search(ctx, text)
	if err != nil {
		ix.recordSearch("", 0, start, err)
		return nil, err
	}
	defer res.Close()

	hits := []executor.Hit{}
	c := res.Cursor()
	for limit <= 0 || len(hits) < limit {
		if len(hits)%256 == 0 {
			if err := ctx.Err(); err != nil {
				ix.recordSearch("miss", len(hits), start, err)
				return nil, err
			}
		}
		h, ok := c.Next()
		if !ok {
			break
		}
		hits = append(hits, h)
	}
	ix.recordSearch("miss", len(hits), start, c.Err())
	if err := c.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

func (ix *Index) recordSearch(cacheStatus string, hits int, start time.Time, err error) {
	if ix.metrics != nil {
		ix.metrics.ObserveSearch(cacheStatus, hits, time.Since(start), err)
	}
}

// Snapshot acquires the current snapshot. The caller must Release it.
func (ix *Index) Snapshot() (*store.Snapshot, error) {
	return ix.store.Acquire()
}

// Get returns the stored fields of a committed document. Documents still in
// the writer buffer are not visible, same as for Search.
func (ix *Index) Get(id document.ID) (document.Document, error) {
	snap, err := ix.store.Acquire()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	for _, seg := range snap.Segments() {
		if seg.DocCount() == 0 || id < seg.MinDoc() || id > seg.MaxDoc() {
			continue
		}
		blob, ok := seg.Stored(id)
		if !ok {
			break
		}
		doc, err := document.DecodeStored(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding document %d: %w", id, err)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("document %d: %w", id, apperrors.ErrNotFound)
}

// Ping reports whether the index still accepts work.
func (ix *Index) Ping(context.Context) error {
	if ix.closed.Load() {
		return apperrors.ErrClosed
	}
	return nil
}

// DocCount is the number of committed, searchable documents.
func (ix *Index) DocCount() int { return ix.store.Current().DocCount() }

// Pending is the number of buffered documents not yet searchable.
func (ix *Index) Pending() int { return int(ix.pending.Load()) }

// Generation is the generation of the current snapshot.
func (ix *Index) Generation() uint64 { return ix.store.Current().Generation() }

// Segments is the number of live segments.
func (ix *Index) Segments() int { return len(ix.store.Current().Segments()) }

// Merge runs one merge pass synchronously and reports whether segments were
// combined.
func (ix *Index) Merge(ctx context.Context) (bool, error) {
	return ix.merger.MergeOnce(ctx)
}

func (ix *Index) observeMerge(r store.MergeResult) {
	if ix.metrics != nil {
		status := "ok"
		if r.Err != nil {
			status = "error"
		}
		ix.metrics.MergesTotal.WithLabelValues(status).Inc()
		ix.metrics.MergeDuration.Observe(r.Duration.Seconds())
	}
	if r.Err == nil {
		ix.updateGauges()
	}
}

func (ix *Index) updateGauges() {
	if ix.metrics == nil {
		return
	}
	cur := ix.store.Current()
	ix.metrics.CommittedDocs.Set(float64(cur.DocCount()))
	ix.metrics.LiveSegments.Set(float64(len(cur.Segments())))
	ix.metrics.Generation.Set(float64(cur.Generation()))
}

// StartBackground starts the periodic flush and merge loops. They stop when
// ctx is done or the index is closed.
func (ix *Index) StartBackground(ctx context.Context) {
	ix.bgMu.Lock()
	defer ix.bgMu.Unlock()
	if ix.bgCancel != nil || ix.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ix.bgCancel = cancel
	if ix.cfg.FlushInterval > 0 {
		ix.bgWG.Add(1)
		go func() {
			defer ix.bgWG.Done()
			ix.flushLoop(ctx)
		}()
	}
	if ix.cfg.MergeInterval > 0 {
		ix.bgWG.Add(1)
		go func() {
			defer ix.bgWG.Done()
			ix.merger.Run(ctx, ix.cfg.MergeInterval)
		}()
	}
}

func (ix *Index) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ix.Flush(ctx); err != nil && ctx.Err() == nil {
				ix.logger.Error("periodic flush failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the background loops, flushes pending documents and releases
// the store. Results obtained before Close stay readable until closed.
func (ix *Index) Close() error {
	if ix.closed.Swap(true) {
		return nil
	}
	ix.bgMu.Lock()
	if ix.bgCancel != nil {
		ix.bgCancel()
	}
	ix.bgMu.Unlock()
	ix.bgWG.Wait()

	ix.writeMu.Lock()
	err := ix.flushLocked(context.Background())
	ix.writeMu.Unlock()

	ix.store.Close()
	if err != nil {
		ix.logger.Error("final flush failed", "error", err)
		return err
	}
	ix.logger.Info("index closed", "docs", ix.store.Current().DocCount())
	return nil
}
