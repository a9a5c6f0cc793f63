// Package health runs the readiness checks of a logsearch process. The index
// and each enabled backend (Redis, Postgres, Kafka) register a Check; the
// Checker runs them in parallel and reports the worst status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// severity orders statuses so the report can take the worst one.
func (s Status) severity() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Pinger is anything with a context-aware liveness probe: the index, the
// Redis and Postgres clients and a Kafka broker list.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports onFailure when p.Ping fails. Optional backends register
// with StatusDegraded so the instance keeps serving without them.
func PingCheck(p Pinger, onFailure Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{Status: onFailure, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

type registered struct {
	name  string
	check Check
}

// Checker runs the registered checks. Each check gets its own timeout and a
// check that panics is reported down rather than taking the probe with it.
type Checker struct {
	mu      sync.RWMutex
	checks  []registered
	timeout time.Duration
	logger  *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		timeout: 2 * time.Second,
		logger:  slog.Default().With("component", "health"),
	}
}

// WithTimeout sets the per-check deadline.
func (c *Checker) WithTimeout(d time.Duration) *Checker {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Register adds a check, replacing any earlier one with the same name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, registered{name: name, check: check})
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for _, r := range c.checks {
		names = append(names, r.name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check concurrently and reports the worst status.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]registered(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i, r := range checks {
		wg.Add(1)
		go func(i int, r registered) {
			defer wg.Done()
			results[i] = c.runOne(ctx, r.check)
		}(i, r)
	}
	wg.Wait()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for i, r := range checks {
		res := results[i]
		report.Components[r.name] = res
		if res.Status != StatusUp {
			c.logger.Warn("health check failing", "check", r.name, "status", res.Status, "message", res.Message)
		}
		if res.Status.severity() > report.Status.severity() {
			report.Status = res.Status
		}
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, check Check) (res ComponentHealth) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		res.Latency = time.Since(start).Round(time.Millisecond).String()
	}()

	done := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ComponentHealth{Status: StatusDown, Message: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- check(ctx)
	}()
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ComponentHealth{Status: StatusDown, Message: "check timed out"}
	}
	if res.Status == "" {
		res.Status = StatusUp
	}
	return res
}

// LiveHandler answers liveness probes. It only proves the process serves
// HTTP and never touches a dependency.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers readiness probes. A degraded instance is still ready;
// only a down component fails the probe.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
