// Package kafka provides the producer and consumer built on segmentio/kafka-go
// that move log events between shippers and the index. Producers serialise
// values as JSON; the consumer hands raw messages to a MessageHandler and
// commits them after the handler, and an optional durability barrier, succeed.
package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

// MessageHandler processes one message. A nil error makes it eligible for
// commit.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Reader is the part of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CommitPolicy holds handled messages back from commit until Sync has made
// their effects durable. Sync runs before every commit; messages are
// committed once MaxPending are held or Interval has passed since the oldest
// was handled, and once more when the consumer stops.
type CommitPolicy struct {
	Sync       func(ctx context.Context) error
	MaxPending int
	Interval   time.Duration
}

// Consumer reads one topic in a consumer group and feeds a MessageHandler,
// one message at a time per process.
type Consumer struct {
	reader  Reader
	handler MessageHandler
	policy  CommitPolicy
	logger  *slog.Logger
	retry   resilience.RetryConfig
}

// NewReader opens a group reader on cfg.Topic. Offsets are committed
// explicitly by the Consumer, never on fetch.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
}

// NewConsumerFromReader builds a Consumer over an existing reader. Without a
// CommitPolicy every message is committed as soon as it is handled.
func NewConsumerFromReader(r Reader, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  r,
		handler: handler,
		policy:  CommitPolicy{MaxPending: 1},
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		retry: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// WithCommitPolicy sets p, defaulting MaxPending to 1000 and Interval to one
// second.
func (c *Consumer) WithCommitPolicy(p CommitPolicy) *Consumer {
	if p.MaxPending <= 0 {
		p.MaxPending = 1000
	}
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	c.policy = p
	return c
}

// Start consumes until ctx is cancelled, commits what was handled and closes
// the reader. A message whose handler keeps failing, or a Sync that keeps
// failing, stops the consumer with an error and leaves the affected offsets
// uncommitted: committing a later offset would commit them too.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "max_pending", c.policy.MaxPending, "sync", c.policy.Sync != nil)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing reader failed", "error", err)
		}
	}()

	var (
		pending  []kafka.Message
		deadline time.Time
	)
	commit := func(ctx context.Context) error {
		if len(pending) == 0 {
			return nil
		}
		err := c.commit(ctx, pending)
		pending = pending[:0]
		return err
	}
	// stop commits what was handled under a context of its own, since ctx
	// is usually the reason for stopping.
	stop := func(reason error) error {
		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := commit(finalCtx); err != nil {
			if reason != nil {
				return errors.Join(reason, err)
			}
			return err
		}
		return reason
	}

	fetchRetry := resilience.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
	fetchFailures := 0
	for {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(pending) > 0 {
			fetchCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err(), "pending", len(pending))
			return stop(nil)
		}
		if err != nil && fetchCtx.Err() != nil {
			// Nothing arrived before the oldest pending message came due.
			if err := commit(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			fetchFailures++
			c.logger.Error("fetch failed", "error", err, "failures", fetchFailures)
			if sleepErr := resilience.Sleep(ctx, resilience.Backoff(fetchFailures, fetchRetry)); sleepErr != nil {
				return stop(nil)
			}
			continue
		}
		fetchFailures = 0

		err = resilience.Retry(ctx, "kafka handle", c.retry, func() error {
			return c.handler(ctx, msg.Key, msg.Value)
		})
		if err == nil {
			if len(pending) == 0 {
				deadline = time.Now().Add(c.policy.Interval)
			}
			pending = append(pending, msg)
		}
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err(), "pending", len(pending))
			return stop(nil)
		}
		if err != nil {
			return stop(fmt.Errorf("handling partition %d offset %d: %w", msg.Partition, msg.Offset, err))
		}
		if len(pending) >= c.policy.MaxPending {
			if err := commit(ctx); err != nil {
				return err
			}
		}
	}
}

// commit runs the Sync barrier and then commits msgs. A commit the broker
// refuses is only logged; the next commit covers the same offsets.
func (c *Consumer) commit(ctx context.Context, msgs []kafka.Message) error {
	last := msgs[len(msgs)-1]
	if c.policy.Sync != nil {
		err := resilience.Retry(ctx, "kafka commit sync", c.retry, func() error {
			return c.policy.Sync(ctx)
		})
		if err != nil {
			return fmt.Errorf("syncing %d messages up to partition %d offset %d: %w",
				len(msgs), last.Partition, last.Offset, err)
		}
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		c.logger.Error("commit failed", "messages", len(msgs), "partition", last.Partition, "offset", last.Offset, "error", err)
	}
	return nil
}

// DecodeJSON unmarshals a message value into T. Numbers decode as
// json.Number so large integers survive without a float64 round trip.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
