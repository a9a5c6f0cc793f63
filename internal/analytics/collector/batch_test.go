package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestShipperPublishesFullBatchesAndDrainsOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	s := newShipper(pub, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	s.Track("search", map[string]any{"q": 1})
	s.Track("search", map[string]any{"q": 2})
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	s.Track("ingest", map[string]any{"n": 3})
	cancel()
	s.Close()
	assert.Equal(t, 3, pub.count())

	sent, dropped := s.Stats()
	assert.Equal(t, int64(3), sent)
	assert.Zero(t, dropped)

	env, ok := pub.batches[len(pub.batches)-1][0].Value.(Envelope)
	require.True(t, ok)
	assert.Equal(t, "ingest", env.Type)
	assert.False(t, env.At.IsZero())
}

func TestShipperKeepsFailedBatchesUpToLimit(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	s := newShipper(pub, 2, time.Hour)

	var pending []kafka.Event
	for i := 0; i < 5; i++ {
		pending = append(pending, kafka.Event{Key: "search", Value: i})
	}
	pending = s.publish(context.Background(), pending)
	assert.Len(t, pending, 5)

	for i := 5; i < 10; i++ {
		pending = append(pending, kafka.Event{Key: "search", Value: i})
	}
	pending = s.publish(context.Background(), pending)
	require.Len(t, pending, 6)
	assert.Equal(t, 4, pending[0].Value, "oldest events are dropped first")
	_, dropped := s.Stats()
	assert.Equal(t, int64(4), dropped)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	assert.Empty(t, s.publish(context.Background(), pending))
	assert.Equal(t, 6, pub.count())
}

func TestShipperDropsWhenQueueIsFull(t *testing.T) {
	s := newShipper(&fakePublisher{}, 1, time.Hour)
	for i := 0; i < cap(s.in)+3; i++ {
		s.Track("search", i)
	}
	_, dropped := s.Stats()
	assert.Equal(t, int64(3), dropped)
}
