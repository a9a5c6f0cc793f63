// Package publisher hands accepted event batches to the index, either
// directly in-process or through the Kafka topic the index consumer reads.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/deadletter"
	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
)

// Submitter accepts a batch of events.
type Submitter interface {
	Submit(ctx context.Context, events []map[string]any) (*ingestion.IngestResponse, error)
}

// Ingester is the part of the index Direct writes to.
type Ingester interface {
	IngestMap(event map[string]any) (document.ID, error)
}

type batchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher queues events on Kafka. Validation against the schema happens
// when the consumer ingests them.
type Publisher struct {
	producer batchPublisher
	keyField string
	logger   *slog.Logger
}

// New creates a Publisher. keyField names the event field whose value keys
// the message, so events of one source land on one partition in order.
func New(producer *kafka.Producer, keyField string) *Publisher {
	return newPublisher(producer, keyField)
}

func newPublisher(producer batchPublisher, keyField string) *Publisher {
	return &Publisher{
		producer: producer,
		keyField: keyField,
		logger:   slog.Default().With("component", "publisher"),
	}
}

func (p *Publisher) Submit(ctx context.Context, events []map[string]any) (*ingestion.IngestResponse, error) {
	batch := make([]kafka.Event, 0, len(events))
	for _, e := range events {
		batch = append(batch, kafka.Event{Key: p.key(e), Value: e})
	}
	if err := p.producer.PublishBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("queueing %d events: %w", len(events), err)
	}
	p.logger.Debug("events queued", "count", len(events))
	return &ingestion.IngestResponse{Accepted: len(events), Status: ingestion.StatusQueued}, nil
}

func (p *Publisher) key(event map[string]any) string {
	if p.keyField == "" {
		return ""
	}
	switch v := event[p.keyField].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Direct ingests events into an index in the calling goroutine. Rejected
// events are reported per event and dead-lettered; the rest of the batch
// still goes in.
type Direct struct {
	ix     Ingester
	dl     deadletter.Sink
	logger *slog.Logger
}

// NewDirect creates a Direct submitter. dl may be nil.
func NewDirect(ix Ingester, dl deadletter.Sink) *Direct {
	return &Direct{
		ix:     ix,
		dl:     dl,
		logger: slog.Default().With("component", "publisher"),
	}
}

func (d *Direct) Submit(ctx context.Context, events []map[string]any) (*ingestion.IngestResponse, error) {
	resp := &ingestion.IngestResponse{Status: ingestion.StatusIndexed}
	for i, event := range events {
		id, err := d.ix.IngestMap(event)
		if err == nil {
			resp.Accepted++
			resp.IDs = append(resp.IDs, uint64(id))
			continue
		}
		if !errors.Is(err, apperrors.ErrValidation) && !errors.Is(err, apperrors.ErrEncoding) {
			return nil, fmt.Errorf("ingesting event %d: %w", i, err)
		}
		resp.Rejected = append(resp.Rejected, ingestion.Rejection{
			Index:  i,
			Field:  rejectedField(err),
			Reason: deadletter.ReasonFor(err),
			Error:  err.Error(),
		})
		d.deadLetter(ctx, event, err)
	}
	return resp, nil
}

func (d *Direct) deadLetter(ctx context.Context, event map[string]any, cause error) {
	if d.dl == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to encode rejected event", "error", err)
		return
	}
	if err := d.dl.Record(ctx, deadletter.New(deadletter.SourceHTTP, "", payload, cause)); err != nil {
		d.logger.Error("failed to dead-letter event", "error", err)
	}
}

func rejectedField(err error) string {
	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		return verr.Field
	}
	var eerr *apperrors.EncodingError
	if errors.As(err, &eerr) {
		return eerr.Field
	}
	return ""
}
