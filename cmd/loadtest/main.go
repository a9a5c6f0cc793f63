// Command loadtest drives a running logsearch instance. It can seed
// synthetic log events first, then runs concurrent search workers (and,
// optionally, a writer ingesting events at a fixed rate) and prints latency
// per query along with the cache hit ratio.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
)

var defaultQueries = []string{
	"level:ERROR",
	"level:WARN target:db",
	"message:timeout",
	"message:connection message:refused",
	"target:billing message:declined",
	`message:"payment declined"`,
	"level:ERROR target:api",
	"*",
	`timestamp:[* TO "2100-01-01T00:00:00Z"]`,
	"target:auth message:login",
}

var (
	levels  = []string{"DEBUG", "INFO", "INFO", "INFO", "WARN", "ERROR"}
	targets = []string{"api", "db", "auth", "billing", "scheduler"}
	words   = []string{"request", "completed", "failed", "timeout", "retry", "connection", "refused", "user", "login", "payment", "declined", "cache", "miss"}
)

type options struct {
	baseURL    string
	apiKey     string
	workers    int
	duration   time.Duration
	seed       int
	ingestRate int
	limit      int
}

type client struct {
	http *http.Client
	opts options
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "base URL of the logsearch service")
	flag.StringVar(&opts.apiKey, "api-key", "", "API key sent as a bearer token")
	flag.IntVar(&opts.workers, "concurrency", 10, "concurrent search workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run searches")
	flag.IntVar(&opts.seed, "seed", 0, "synthetic events ingested and flushed before searching")
	flag.IntVar(&opts.ingestRate, "ingest-rate", 0, "events per second ingested while searching (0 disables)")
	flag.IntVar(&opts.limit, "limit", 10, "hits requested per search")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &client{
		opts: opts,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: opts.workers + 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	fmt.Printf("target %s, %d workers for %s, %d queries\n", opts.baseURL, opts.workers, opts.duration, len(defaultQueries))
	if opts.seed > 0 {
		start := time.Now()
		if err := c.seed(ctx, opts.seed); err != nil {
			fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("seeded %d events in %s\n", opts.seed, time.Since(start).Round(time.Millisecond))
	}

	rec := newRecorder()
	written, err := c.run(ctx, rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
	if !rec.print(os.Stdout, opts.duration, written) {
		fmt.Fprintln(os.Stderr, "no searches completed; is the service running?")
		os.Exit(1)
	}
}

// run searches from opts.workers goroutines until the duration elapses. The
// writer, when enabled, shares the deadline and reports how many events it
// got accepted.
func (c *client) run(ctx context.Context, rec *recorder) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < c.opts.workers; w++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
		g.Go(func() error {
			for gctx.Err() == nil {
				q := defaultQueries[rng.Intn(len(defaultQueries))]
				s := c.search(gctx, q)
				if gctx.Err() != nil {
					return nil
				}
				rec.add(q, s)
			}
			return nil
		})
	}

	var written int
	if c.opts.ingestRate > 0 {
		g.Go(func() error {
			n, err := c.write(gctx, c.opts.ingestRate)
			written = n
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	return written, err
}

type sample struct {
	latency  time.Duration
	status   int
	total    int
	cacheHit bool
	err      error
}

func (c *client) search(ctx context.Context, q string) sample {
	u := fmt.Sprintf("%s/api/v1/search?q=%s&limit=%d", c.opts.baseURL, url.QueryEscape(q), c.opts.limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return sample{err: err}
	}
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return sample{latency: time.Since(start), err: err}
	}
	defer resp.Body.Close()

	var body struct {
		Total    int  `json:"total"`
		CacheHit bool `json:"cache_hit"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	s := sample{latency: time.Since(start), status: resp.StatusCode, total: body.Total, cacheHit: body.CacheHit}
	if resp.StatusCode == http.StatusOK && decodeErr != nil {
		s.err = fmt.Errorf("decoding response: %w", decodeErr)
	}
	return s
}

// seed ingests n events in batches and flushes so they are searchable when
// the workers start.
func (c *client) seed(ctx context.Context, n int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	base := time.Now().Add(-time.Hour)
	for sent := 0; sent < n; {
		batch := min(500, n-sent)
		if err := c.post(ctx, "/api/v1/events", syntheticBatch(rng, base, sent, batch)); err != nil {
			return err
		}
		sent += batch
	}
	return c.post(ctx, "/api/v1/flush", nil)
}

// write posts small batches so that about rate events per second arrive
// while the searches run.
func (c *client) write(ctx context.Context, rate int) (int, error) {
	const tick = 100 * time.Millisecond
	perTick := max(1, rate/int(time.Second/tick))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var written int
	for {
		select {
		case <-ctx.Done():
			return written, nil
		case <-ticker.C:
			err := c.post(ctx, "/api/v1/events", syntheticBatch(rng, time.Now(), 0, perTick))
			if err != nil {
				if ctx.Err() != nil {
					return written, nil
				}
				return written, fmt.Errorf("ingesting during load: %w", err)
			}
			written += perTick
		}
	}
}

func syntheticBatch(rng *rand.Rand, base time.Time, offset, n int) []byte {
	events := make([]map[string]any, n)
	for i := range events {
		events[i] = map[string]any{
			"timestamp": base.Add(time.Duration(offset+i) * time.Millisecond).UTC().Format(time.RFC3339Nano),
			"level":     levels[rng.Intn(len(levels))],
			"target":    targets[rng.Intn(len(targets))],
			"message":   words[rng.Intn(len(words))] + " " + words[rng.Intn(len(words))] + " " + words[rng.Intn(len(words))],
		}
	}
	body, _ := json.Marshal(map[string]any{"events": events})
	return body
}

func (c *client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func (c *client) authorize(req *http.Request) {
	if c.opts.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.apiKey)
	}
}

type queryStats struct {
	latencies []time.Duration
	cacheHits int
	failures  int
	lastTotal int
}

type recorder struct {
	mu       sync.Mutex
	queries  map[string]*queryStats
	statuses map[int]int
	errs     map[string]int
}

func newRecorder() *recorder {
	return &recorder{
		queries:  make(map[string]*queryStats),
		statuses: make(map[int]int),
		errs:     make(map[string]int),
	}
}

func (r *recorder) add(q string, s sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qs, ok := r.queries[q]
	if !ok {
		qs = &queryStats{}
		r.queries[q] = qs
	}
	if s.err != nil {
		qs.failures++
		r.errs[s.err.Error()]++
		return
	}
	r.statuses[s.status]++
	if s.status != http.StatusOK {
		qs.failures++
		return
	}
	qs.latencies = append(qs.latencies, s.latency)
	qs.lastTotal = s.total
	if s.cacheHit {
		qs.cacheHits++
	}
}

// print writes the report and reports whether any search succeeded.
func (r *recorder) print(out io.Writer, elapsed time.Duration, written int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []time.Duration
	var failures, hits int
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "query\tok\tfailed\tcache\tp50\tp99\tmatches\t")
	names := make([]string, 0, len(r.queries))
	for q := range r.queries {
		names = append(names, q)
	}
	slices.Sort(names)
	for _, q := range names {
		qs := r.queries[q]
		slices.Sort(qs.latencies)
		all = append(all, qs.latencies...)
		failures += qs.failures
		hits += qs.cacheHits
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%d\t\n",
			q, len(qs.latencies), qs.failures, ratio(qs.cacheHits, len(qs.latencies)),
			percentile(qs.latencies, 50), percentile(qs.latencies, 99), qs.lastTotal)
	}
	fmt.Fprintln(out)
	tw.Flush()

	slices.Sort(all)
	total := len(all) + failures
	fmt.Fprintln(out)
	fmt.Fprintf(out, "searches   %d (%.1f/s), %d failed\n", total, float64(total)/elapsed.Seconds(), failures)
	fmt.Fprintf(out, "cache hits %s\n", ratio(hits, len(all)))
	if len(all) > 0 {
		fmt.Fprintf(out, "latency    min %s  p50 %s  p95 %s  p99 %s  max %s\n",
			all[0], percentile(all, 50), percentile(all, 95), percentile(all, 99), all[len(all)-1])
	}
	if written > 0 {
		fmt.Fprintf(out, "ingested   %d events during the run\n", written)
	}
	for code, n := range r.statuses {
		if code != http.StatusOK {
			fmt.Fprintf(out, "status %d  %d\n", code, n)
		}
	}
	for msg, n := range r.errs {
		fmt.Fprintf(out, "error x%d  %s\n", n, msg)
	}
	return len(all) > 0
}

func ratio(n, of int) string {
	if of == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(n)/float64(of)*100)
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1].Round(10 * time.Microsecond)
}
