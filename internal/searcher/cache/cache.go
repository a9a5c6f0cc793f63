// Package cache keeps pages of search results in Redis. Keys include the
// snapshot generation the page was computed against, so a cached page is
// never stale: once a flush or merge publishes a new generation, lookups
// simply stop finding the old keys and the TTL reclaims them.
package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

const keyPrefix = "search:"

// Backend is the key-value store pages are kept in. Get returns
// pkgredis.ErrMiss for an absent key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Page is one cached answer: the total match count and the first hits.
type Page struct {
	Total int
	Hits  []executor.Hit
}

type wirePage struct {
	Total  int      `msgpack:"t"`
	IDs    []uint64 `msgpack:"i"`
	Stored [][]byte `msgpack:"s"`
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	group   singleflight.Group
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a cache over backend. breaker guards every backend call;
// while it is open the cache is bypassed. m may be nil.
func New(backend Backend, ttl time.Duration, breaker *resilience.CircuitBreaker, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		backend: backend,
		ttl:     ttl,
		breaker: breaker,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Key is the cache key of a canonical query text evaluated at generation gen
// with the given limit.
func Key(gen uint64, query string, limit int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|limit=%d", query, limit)))
	return fmt.Sprintf("%sg%d:%x", keyPrefix, gen, hash[:16])
}

// Get looks up a page. Backend errors count as misses.
func (c *QueryCache) Get(ctx context.Context, key string) (*Page, bool) {
	var data []byte
	err := c.breaker.Execute(func() error {
		b, err := c.backend.Get(ctx, key)
		if errors.Is(err, pkgredis.ErrMiss) {
			return nil
		}
		data = b
		return err
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache get failed", "key", key, "error", err)
	}
	if data == nil {
		c.miss()
		return nil, false
	}
	page, err := decodePage(data)
	if err != nil {
		c.logger.Error("cache decode failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "key", key)
	return page, true
}

// Set stores a page. Failures are logged; the cache is best effort.
func (c *QueryCache) Set(ctx context.Context, key string, page *Page) {
	data, err := encodePage(page)
	if err != nil {
		c.logger.Error("cache encode failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.backend.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached page for key, or computes and caches it.
// Concurrent misses on one key share a single computation. The bool reports
// a cache hit.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, compute func() (*Page, error)) (*Page, bool, error) {
	if page, ok := c.Get(ctx, key); ok {
		return page, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		page, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, page)
		return page, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*Page), false, nil
}

// Invalidate deletes every cached page.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// BreakerState reports whether the backend is currently being bypassed.
func (c *QueryCache) BreakerState() resilience.State {
	return c.breaker.GetState()
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func encodePage(p *Page) ([]byte, error) {
	w := wirePage{
		Total:  p.Total,
		IDs:    make([]uint64, len(p.Hits)),
		Stored: make([][]byte, len(p.Hits)),
	}
	for i, h := range p.Hits {
		blob, err := document.EncodeStored(h.Fields)
		if err != nil {
			return nil, fmt.Errorf("hit %d: %w", h.ID, err)
		}
		w.IDs[i] = uint64(h.ID)
		w.Stored[i] = blob
	}
	return msgpack.Marshal(&w)
}

func decodePage(data []byte) (*Page, error) {
	var w wirePage
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if len(w.IDs) != len(w.Stored) {
		return nil, fmt.Errorf("page has %d ids but %d stored blobs", len(w.IDs), len(w.Stored))
	}
	p := &Page{Total: w.Total, Hits: make([]executor.Hit, len(w.IDs))}
	for i, id := range w.IDs {
		fields, err := document.DecodeStored(w.Stored[i])
		if err != nil {
			return nil, err
		}
		p.Hits[i] = executor.Hit{ID: document.ID(id), Fields: fields}
	}
	return p, nil
}
