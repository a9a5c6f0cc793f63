package analytics

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Forwarder receives every collected event after it has been aggregated,
// keyed "search" or "ingest". collector.Shipper is the Kafka one.
type Forwarder interface {
	Track(key string, value any)
}

// Collector queues search and ingest events for the aggregator, so request
// handlers never wait on its lock. Events arriving while the queue is full
// are dropped and counted.
type Collector struct {
	agg     *Aggregator
	forward Forwarder
	eventCh chan any
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
	done    chan struct{}
}

// NewCollector starts the goroutine feeding agg. forward may be nil.
func NewCollector(agg *Aggregator, forward Forwarder, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	c := &Collector{
		agg:     agg,
		forward: forward,
		eventCh: make(chan any, bufferSize),
		logger:  slog.Default().With("component", "analytics-collector"),
		done:    make(chan struct{}),
	}
	go c.run()
	c.logger.Info("analytics collector started", "buffer_size", bufferSize)
	return c
}

func (c *Collector) run() {
	defer close(c.done)
	for event := range c.eventCh {
		var key string
		switch e := event.(type) {
		case SearchEvent:
			c.agg.RecordSearch(e)
			key = "search"
		case IngestEvent:
			c.agg.RecordIngest(e)
			key = "ingest"
		}
		if c.forward != nil {
			c.forward.Track(key, event)
		}
	}
}

func (c *Collector) RecordSearch(event SearchEvent) { c.track(event) }

func (c *Collector) RecordIngest(event IngestEvent) { c.track(event) }

func (c *Collector) track(event any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.eventCh <- event:
	default:
		if c.dropped.Add(1)%1000 == 1 {
			c.logger.Warn("analytics event dropped (buffer full)", "dropped_total", c.dropped.Load())
		}
	}
}

// Dropped is the number of events lost to a full or closed queue.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Close stops accepting events and waits until the queue is drained. It is
// safe to call more than once.
func (c *Collector) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.eventCh)
	}
	c.mu.Unlock()
	<-c.done
}
