// Package consumer reads log events from Kafka and ingests them into the
// index. Events the index rejects are dead-lettered and committed, so one
// bad event never stalls a partition. Accepted events are committed once a
// flush has made them durable.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
)

// Ingester is the part of the index the consumer writes to.
type Ingester interface {
	IngestMap(event map[string]any) (document.ID, error)
}

// Index is an Ingester whose buffered documents can be made durable.
type Index interface {
	Ingester
	Flush(ctx context.Context) error
}

// New returns a consumer ingesting from r into ix. Offsets are committed
// only after ix.Flush has persisted the documents they carried, in batches
// of cfg.CommitBatch or every cfg.CommitInterval, so a crash re-delivers
// buffered events instead of losing them.
func New(r kafka.Reader, cfg config.KafkaConfig, ix Index, dl deadletter.Sink, m *metrics.Metrics) *kafka.Consumer {
	return kafka.NewConsumerFromReader(r, cfg.Topic, HandleMessage(ix, dl, m)).
		WithCommitPolicy(kafka.CommitPolicy{
			Sync:       ix.Flush,
			MaxPending: cfg.CommitBatch,
			Interval:   cfg.CommitInterval,
		})
}

// HandleMessage returns a Kafka MessageHandler that ingests each message as
// one JSON event. Malformed and rejected events go to dl and are
// acknowledged; any other failure (the index is closed, say) is returned so
// the message stays uncommitted. dl and m may be nil.
func HandleMessage(ix Ingester, dl deadletter.Sink, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	count := func(outcome string) {
		if m != nil {
			m.EventsConsumedTotal.WithLabelValues(outcome).Inc()
		}
	}
	reject := func(ctx context.Context, key, value []byte, err error) {
		if dl == nil {
			return
		}
		if dlErr := dl.Record(ctx, deadletter.New(deadletter.SourceKafka, string(key), value, err)); dlErr != nil {
			logger.Error("failed to dead-letter event", "key", string(key), "error", dlErr)
		}
	}

	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[map[string]any](value)
		if err == nil && event == nil {
			err = errors.New("event is not a JSON object")
		}
		if err != nil {
			logger.Error("failed to decode log event",
				"error", err,
				"key", string(key),
			)
			count("malformed")
			reject(ctx, key, value, err)
			return nil
		}

		id, err := ix.IngestMap(event)
		switch {
		case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrEncoding):
			logger.Warn("log event rejected", "key", string(key), "error", err)
			count("rejected")
			reject(ctx, key, value, err)
			return nil
		case err != nil:
			return fmt.Errorf("ingesting event %q: %w", key, err)
		}

		count("indexed")
		logger.Debug("log event ingested", "doc_id", id, "key", string(key))
		return nil
	}
}
