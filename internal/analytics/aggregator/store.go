// Package aggregator persists periodic snapshots of the analytics aggregate
// to PostgreSQL, so totals and history survive restarts.
package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/postgres"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS analytics_snapshots (
	id          BIGSERIAL PRIMARY KEY,
	data        JSONB NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS analytics_snapshots_captured_at ON analytics_snapshots (captured_at DESC)`,
}

// Store keeps a history of analytics snapshots. Each save also prunes
// snapshots older than the retention window, in the same transaction.
type Store struct {
	db        *postgres.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewStore applies the table's migrations. A zero retention keeps every
// snapshot.
func NewStore(ctx context.Context, db *postgres.Client, retention time.Duration) (*Store, error) {
	if err := db.Migrate(ctx, migrations...); err != nil {
		return nil, fmt.Errorf("migrating analytics_snapshots: %w", err)
	}
	return &Store{
		db:        db,
		retention: retention,
		logger:    slog.Default().With("component", "analytics-store"),
	}, nil
}

// SaveSnapshot inserts stats and returns how many expired snapshots were
// pruned.
func (s *Store) SaveSnapshot(ctx context.Context, stats analytics.AggregatedStats) (int64, error) {
	if stats.CapturedAt.IsZero() {
		stats.CapturedAt = time.Now().UTC()
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}

	var pruned int64
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO analytics_snapshots (data, captured_at) VALUES ($1, $2)`,
			data, stats.CapturedAt,
		); err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		if s.retention <= 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM analytics_snapshots WHERE captured_at < $1`,
			stats.CapturedAt.Add(-s.retention),
		)
		if err != nil {
			return fmt.Errorf("pruning snapshots: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("analytics snapshot saved",
		"total_searches", stats.TotalSearches,
		"total_docs_ingested", stats.TotalDocsIngested,
		"pruned", pruned,
	)
	return pruned, nil
}

// LatestSnapshot returns the newest snapshot, or nil when there is none.
func (s *Store) LatestSnapshot(ctx context.Context) (*analytics.AggregatedStats, error) {
	snaps, err := s.ListSnapshots(ctx, 1)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// ListSnapshots returns up to limit snapshots, newest first. Rows that no
// longer decode are skipped.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]analytics.AggregatedStats, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM analytics_snapshots ORDER BY captured_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]analytics.AggregatedStats, 0, limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		var stats analytics.AggregatedStats
		if err := json.Unmarshal(data, &stats); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "error", err)
			continue
		}
		snaps = append(snaps, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}
	return snaps, nil
}

// Run saves a snapshot every interval until ctx is done and once more on
// the way out. Save failures are logged; Run always returns nil.
func (s *Store) Run(ctx context.Context, agg *analytics.Aggregator, interval time.Duration) error {
	s.logger.Info("periodic snapshot started", "interval", interval, "retention", s.retention)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func(ctx context.Context) {
		if _, err := s.SaveSnapshot(ctx, agg.Stats()); err != nil {
			s.logger.Error("saving analytics snapshot failed", "error", err)
		}
	}
	for {
		select {
		case <-ticker.C:
			save(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			save(final)
			cancel()
			return nil
		}
	}
}
