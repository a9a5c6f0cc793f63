package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

// MergePolicy decides which segments are worth combining.
type MergePolicy struct {
	// MaxSegmentDocs: segments with at least this many documents are
	// never merged again.
	MaxSegmentDocs int
	// MinSegments is the shortest run of small segments worth merging.
	MinSegments int
	// MaxSegments caps how many segments one merge combines.
	MaxSegments int
}

func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		MaxSegmentDocs: 100_000,
		MinSegments:    4,
		MaxSegments:    10,
	}
}

func (p MergePolicy) withDefaults() MergePolicy {
	d := DefaultMergePolicy()
	if p.MaxSegmentDocs <= 0 {
		p.MaxSegmentDocs = d.MaxSegmentDocs
	}
	if p.MinSegments < 2 {
		p.MinSegments = d.MinSegments
	}
	if p.MaxSegments < p.MinSegments {
		p.MaxSegments = max(d.MaxSegments, p.MinSegments)
	}
	return p
}

// Pick returns the longest run of adjacent small segments, or nil when no
// run reaches MinSegments. Only adjacent segments are combined so that the
// merged segment keeps a contiguous document-id range.
func (p MergePolicy) Pick(segs []*segment.Segment) []*segment.Segment {
	p = p.withDefaults()
	bestStart, bestLen := 0, 0
	for i := 0; i < len(segs); {
		if segs[i].DocCount() >= p.MaxSegmentDocs {
			i++
			continue
		}
		j := i
		for j < len(segs) && segs[j].DocCount() < p.MaxSegmentDocs {
			j++
		}
		if n := min(j-i, p.MaxSegments); n > bestLen {
			bestStart, bestLen = i, n
		}
		i = j
	}
	if bestLen < p.MinSegments {
		return nil
	}
	return segs[bestStart : bestStart+bestLen]
}

// MergeResult describes one completed or failed merge attempt.
type MergeResult struct {
	Inputs   int
	Docs     int
	Duration time.Duration
	Err      error
}

// Merger periodically combines small segments in the background.
type Merger struct {
	store   *Store
	policy  MergePolicy
	retry   resilience.RetryConfig
	observe func(MergeResult)
	logger  *slog.Logger
}

// NewMerger creates a Merger for st. observe, if non-nil, is told about every
// merge attempt.
func NewMerger(st *Store, policy MergePolicy, observe func(MergeResult)) *Merger {
	return &Merger{
		store:  st,
		policy: policy.withDefaults(),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Retryable: func(err error) bool {
				return !errors.Is(err, ErrSnapshotChanged) && !errors.Is(err, apperrors.ErrClosed)
			},
		},
		observe: observe,
		logger:  slog.Default().With("component", "merger"),
	}
}

// MergeOnce performs at most one merge. It reports whether segments were
// merged. Readers holding older snapshots are unaffected; the replaced
// segments are deleted once the last of those snapshots is released.
func (m *Merger) MergeOnce(ctx context.Context) (bool, error) {
	snap, err := m.store.Acquire()
	if err != nil {
		return false, err
	}
	defer snap.Release()

	run := m.policy.Pick(snap.Segments())
	if run == nil {
		return false, nil
	}
	start := time.Now()
	merged := segment.Merge(m.store.NewSegmentID(), run...)
	err = resilience.Retry(ctx, "segment merge", m.retry, func() error {
		_, err := m.store.Swap(run, merged)
		return err
	})
	result := MergeResult{Inputs: len(run), Docs: merged.DocCount(), Duration: time.Since(start), Err: err}
	if m.observe != nil {
		m.observe(result)
	}
	if err != nil {
		if path := merged.Path(); path != "" {
			os.Remove(path)
		}
		return false, err
	}
	m.logger.Info("segments merged",
		"inputs", len(run),
		"segment", merged.ID(),
		"docs", merged.DocCount(),
		"terms", merged.TermCount(),
		"duration", result.Duration,
	)
	return true, nil
}

// Run merges on every tick until ctx is done. Failures are logged and the
// merge is tried again on the next tick.
func (m *Merger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				merged, err := m.MergeOnce(ctx)
				if err != nil {
					if !errors.Is(err, apperrors.ErrClosed) && ctx.Err() == nil {
						m.logger.Error("merge failed", "error", err)
					}
					break
				}
				if !merged || ctx.Err() != nil {
					break
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
