// Package collector forwards analytics events to Kafka in batches, so other
// consumers can build their own views of search and ingest traffic.
package collector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
)

type batchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Envelope is the message value written to the analytics topic.
type Envelope struct {
	Type  string    `json:"type"`
	At    time.Time `json:"at"`
	Event any       `json:"event"`
}

// Shipper batches tracked events and publishes them from one goroutine,
// which owns the pending batch. A batch goes out when it is full or when
// the flush interval passes. Failed batches are kept and retried with the
// next one, up to three batches' worth; beyond that the oldest events are
// dropped.
type Shipper struct {
	pub       batchPublisher
	in        chan kafka.Event
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	done      chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewShipper publishes through p. Batches hold batchSize events (default
// 100) and are flushed at least every interval (default 5s).
func NewShipper(p *kafka.Producer, batchSize int, interval time.Duration) *Shipper {
	return newShipper(p, batchSize, interval)
}

func newShipper(p batchPublisher, batchSize int, interval time.Duration) *Shipper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Shipper{
		pub:       p,
		in:        make(chan kafka.Event, batchSize*4),
		batchSize: batchSize,
		interval:  interval,
		logger:    slog.Default().With("component", "analytics-shipper"),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Track queues an event under key ("search" or "ingest"). It never blocks;
// an event that does not fit in the queue is counted as dropped.
func (s *Shipper) Track(key string, value any) {
	e := kafka.Event{Key: key, Value: Envelope{Type: key, At: s.now().UTC(), Event: value}}
	select {
	case s.in <- e:
	default:
		s.dropped.Add(1)
	}
}

// Start runs the publishing loop until ctx is cancelled. Events still queued
// at that point are published once more with a short deadline.
func (s *Shipper) Start(ctx context.Context) {
	s.logger.Info("analytics shipper started", "batch_size", s.batchSize, "interval", s.interval)
	go s.loop(ctx)
}

// Close waits for the loop to finish. Cancel the context given to Start
// first.
func (s *Shipper) Close() {
	<-s.done
}

// Stats reports how many events were published and dropped.
func (s *Shipper) Stats() (sent, dropped int64) {
	return s.sent.Load(), s.dropped.Load()
}

func (s *Shipper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pending := make([]kafka.Event, 0, s.batchSize)
	for {
		select {
		case e := <-s.in:
			pending = append(pending, e)
			if len(pending) >= s.batchSize {
				pending = s.publish(ctx, pending)
			}
		case <-ticker.C:
			pending = s.publish(ctx, pending)
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case e := <-s.in:
					pending = append(pending, e)
				default:
					drained = true
				}
			}
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			pending = s.publish(final, pending)
			cancel()
			if len(pending) > 0 {
				s.dropped.Add(int64(len(pending)))
				s.logger.Warn("analytics events lost at shutdown", "count", len(pending))
			}
			return
		}
	}
}

// publish sends pending and returns what is left to retry.
func (s *Shipper) publish(ctx context.Context, pending []kafka.Event) []kafka.Event {
	if len(pending) == 0 {
		return pending
	}
	if err := s.pub.PublishBatch(ctx, pending); err != nil {
		limit := s.batchSize * 3
		if over := len(pending) - limit; over > 0 {
			pending = append(pending[:0], pending[over:]...)
			s.dropped.Add(int64(over))
		}
		s.logger.Error("publishing analytics batch failed", "pending", len(pending), "error", err)
		return pending
	}
	s.sent.Add(int64(len(pending)))
	s.logger.Debug("analytics batch published", "events", len(pending))
	return make([]kafka.Event, 0, s.batchSize)
}
