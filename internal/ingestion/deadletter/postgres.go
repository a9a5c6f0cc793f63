package deadletter

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/postgres"
)

const createTable = `CREATE TABLE IF NOT EXISTS dead_letters (
	id          BIGSERIAL PRIMARY KEY,
	source      TEXT NOT NULL,
	msg_key     TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	error       TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createIndex = `CREATE INDEX IF NOT EXISTS dead_letters_received_at
	ON dead_letters (received_at DESC)`

// Postgres stores letters in the dead_letters table.
type Postgres struct {
	db *postgres.Client
}

// NewPostgres creates the table if needed.
func NewPostgres(ctx context.Context, db *postgres.Client) (*Postgres, error) {
	if err := db.Migrate(ctx, createTable, createIndex); err != nil {
		return nil, fmt.Errorf("migrating dead_letters: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Record(ctx context.Context, l Letter) error {
	_, err := p.db.DB.ExecContext(ctx,
		`INSERT INTO dead_letters (source, msg_key, payload, reason, error, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.Source, l.Key, l.Payload, l.Reason, l.Error, l.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT id, source, msg_key, payload, reason, error, received_at
		 FROM dead_letters ORDER BY received_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []Letter
	for rows.Next() {
		var l Letter
		if err := rows.Scan(&l.ID, &l.Source, &l.Key, &l.Payload, &l.Reason, &l.Error, &l.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		l.ReceivedAt = l.ReceivedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
