package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func fastRetry(c *Consumer) {
	c.retry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	r.msgs <- kafka.Message{Offset: 1, Value: []byte("ok")}
	r.msgs <- kafka.Message{Offset: 2, Value: []byte("flaky")}
	r.msgs <- kafka.Message{Offset: 3, Value: []byte("ok")}

	var mu sync.Mutex
	attempts := map[string]int{}
	c := NewConsumerFromReader(r, "logs", func(_ context.Context, _ []byte, value []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[string(value)]++
		if string(value) == "flaky" && attempts["flaky"] == 1 {
			return errors.New("index busy")
		}
		return nil
	})
	fastRetry(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []int64{1, 2, 3}, r.commits())
	assert.Equal(t, 2, attempts["flaky"])
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.closed)
}

func TestConsumerStopsInsteadOfSkipping(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	r.msgs <- kafka.Message{Offset: 1, Value: []byte("ok")}
	r.msgs <- kafka.Message{Offset: 2, Value: []byte("fail")}
	r.msgs <- kafka.Message{Offset: 3, Value: []byte("ok")}

	c := NewConsumerFromReader(r, "logs", func(_ context.Context, _ []byte, value []byte) error {
		if string(value) == "fail" {
			return errors.New("index closed")
		}
		return nil
	})
	fastRetry(c)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 2")
	assert.Equal(t, []int64{1}, r.commits())
}

// ledger stands in for an index: handled values are buffered until sync
// makes them durable.
type ledger struct {
	mu       sync.Mutex
	buffered []int64
	durable  map[int64]bool
	syncs    int
	syncErr  error
}

func newLedger() *ledger { return &ledger{durable: map[int64]bool{}} }

func (l *ledger) handle(_ context.Context, key []byte, _ []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var off int64
	_, _ = fmt.Sscan(string(key), &off)
	l.buffered = append(l.buffered, off)
	return nil
}

func (l *ledger) sync(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncs++
	if l.syncErr != nil {
		return l.syncErr
	}
	for _, off := range l.buffered {
		l.durable[off] = true
	}
	l.buffered = nil
	return nil
}

func (l *ledger) handled() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffered) + len(l.durable)
}

// durableReader fails the test if an offset is committed before it is
// durable.
type durableReader struct {
	*fakeReader
	t *testing.T
	l *ledger
}

func (d *durableReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	d.l.mu.Lock()
	for _, m := range msgs {
		assert.True(d.t, d.l.durable[m.Offset], "offset %d committed before it was durable", m.Offset)
	}
	d.l.mu.Unlock()
	return d.fakeReader.CommitMessages(ctx, msgs...)
}

func feed(r *fakeReader, offsets ...int64) {
	for _, off := range offsets {
		r.msgs <- kafka.Message{Offset: off, Key: []byte(fmt.Sprint(off))}
	}
}

func TestConsumerCommitsOnlyDurableOffsets(t *testing.T) {
	l := newLedger()
	fr := &fakeReader{msgs: make(chan kafka.Message, 3)}
	feed(fr, 1, 2, 3)
	c := NewConsumerFromReader(&durableReader{fakeReader: fr, t: t, l: l}, "logs", l.handle).
		WithCommitPolicy(CommitPolicy{Sync: l.sync, MaxPending: 2, Interval: 20 * time.Millisecond})
	fastRetry(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	// Two fill a batch; the third is committed once the interval passes
	// without further messages.
	require.Eventually(t, func() bool { return len(fr.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, fr.commits())
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.GreaterOrEqual(t, l.syncs, 2)
}

func TestConsumerCommitsHeldMessagesOnShutdown(t *testing.T) {
	l := newLedger()
	fr := &fakeReader{msgs: make(chan kafka.Message, 2)}
	feed(fr, 7, 8)
	c := NewConsumerFromReader(&durableReader{fakeReader: fr, t: t, l: l}, "logs", l.handle).
		WithCommitPolicy(CommitPolicy{Sync: l.sync, MaxPending: 100, Interval: time.Hour})
	fastRetry(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return l.handled() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, fr.commits())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{7, 8}, fr.commits())
}

func TestConsumerStopsWhenSyncFails(t *testing.T) {
	l := newLedger()
	l.syncErr = errors.New("disk full")
	fr := &fakeReader{msgs: make(chan kafka.Message, 2)}
	feed(fr, 1, 2)
	c := NewConsumerFromReader(&durableReader{fakeReader: fr, t: t, l: l}, "logs", l.handle).
		WithCommitPolicy(CommitPolicy{Sync: l.sync, MaxPending: 2, Interval: time.Hour})
	fastRetry(c)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 2")
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, fr.commits())
	assert.True(t, fr.closed)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestProducerPublishBatch(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "logs")
	require.NoError(t, p.PublishBatch(context.Background(), []Event{
		{Key: "api", Value: map[string]any{"level": "INFO"}},
		{Key: "db", Value: map[string]any{"level": "WARN"}},
	}))
	require.NoError(t, p.PublishBatch(context.Background(), nil))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "db", string(w.msgs[1].Key))
	assert.JSONEq(t, `{"level":"WARN"}`, string(w.msgs[1].Value))
	assert.Equal(t, "logs", p.Topic())
	assert.Equal(t, int64(2), p.Published())
	assert.Equal(t, "content-type", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker down")
	assert.Error(t, p.Publish(context.Background(), Event{Key: "x", Value: 1}))
	assert.Error(t, p.PublishBatch(context.Background(), []Event{{Value: func() {}}}))
}

func TestDecodeJSONKeepsIntegerPrecision(t *testing.T) {
	event, err := DecodeJSON[map[string]any]([]byte(`{"id": 9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), event["id"])

	_, err = DecodeJSON[map[string]any]([]byte(`{`))
	assert.Error(t, err)
}

func TestBrokersPingWithoutSeeds(t *testing.T) {
	err := Brokers(nil).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers")
}
