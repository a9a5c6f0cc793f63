package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
)

// Event is one message to publish. Key picks the partition; Value is
// encoded as JSON, so a json.RawMessage is sent as it is.
type Event struct {
	Key   string
	Value any
}

// jsonHeaders tag every message so consumers outside logsearch can tell
// what they are reading.
var jsonHeaders = []kafka.Header{
	{Key: "content-type", Value: []byte("application/json")},
	{Key: "producer", Value: []byte("logsearch")},
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes events to one topic. Writes are synchronous and wait for
// every in-sync replica, so a nil error means the events are durable.
type Producer struct {
	writer    messageWriter
	topic     string
	logger    *slog.Logger
	published atomic.Int64
}

func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    500,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Lz4,
	}
	return newProducer(w, topic)
}

func newProducer(w messageWriter, topic string) *Producer {
	return &Producer{
		writer: w,
		topic:  topic,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

func (p *Producer) Topic() string { return p.topic }

// Published is the number of messages acknowledged so far.
func (p *Producer) Published() int64 { return p.published.Load() }

func (p *Producer) Publish(ctx context.Context, event Event) error {
	return p.PublishBatch(ctx, []Event{event})
}

// PublishBatch encodes every event before writing any, so a value that does
// not marshal fails the batch without a partial write.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now()
	msgs := make([]kafka.Message, len(events))
	for i, e := range events {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("encoding event %d for %s: %w", i, p.topic, err)
		}
		msgs[i] = kafka.Message{Key: []byte(e.Key), Value: value, Headers: jsonHeaders, Time: now}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("publish failed", "count", len(msgs), "error", err)
		return fmt.Errorf("publishing %d messages to %s: %w", len(msgs), p.topic, err)
	}
	p.published.Add(int64(len(msgs)))
	p.logger.Debug("published", "count", len(msgs))
	return nil
}

// Close flushes buffered writes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
