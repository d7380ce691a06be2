// Package health implements the daemon's probe endpoints: liveness,
// readiness, and a detailed per-dependency view. Probes run concurrently
// under a shared timeout, and the latest results are cached so readiness
// answers cheaply between sweeps.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"
)

// Status grades a probe outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one probe run.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one dependency.
type Check func(ctx context.Context) CheckResult

// probeTimeout bounds a single probe run.
const probeTimeout = 5 * time.Second

type probe struct {
	name     string
	critical bool
	run      Check
}

// Checker owns the registered probes and caches their latest results.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]*probe
	results map[string]CheckResult
	started time.Time
	ready   bool
}

// NewChecker returns a Checker with no probes, reporting not ready.
func NewChecker() *Checker {
	return &Checker{
		probes:  make(map[string]*probe),
		results: make(map[string]CheckResult),
		started: time.Now(),
	}
}

// RegisterFunc adds a named probe. A failing critical probe pulls the
// overall status to unhealthy; a failing non-critical one only degrades
// it. Until the first sweep the probe reports unknown.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = &probe{name: name, critical: critical, run: check}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady flips the readiness gate. The daemon sets it after startup
// completes and clears it when shutdown begins.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the readiness gate.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check sweeps every probe concurrently and refreshes the cache.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	probes := make([]*probe, 0, len(c.probes))
	for _, p := range c.probes {
		probes = append(probes, p)
	}
	c.mu.RUnlock()

	type outcome struct {
		name string
		res  CheckResult
	}
	out := make(chan outcome, len(probes))

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- outcome{p.name, runProbe(ctx, p)}
		}()
	}
	wg.Wait()
	close(out)

	results := make(map[string]CheckResult, len(probes))
	for o := range out {
		results[o.name] = o.res
	}

	c.mu.Lock()
	maps.Copy(c.results, results)
	c.mu.Unlock()
	return results
}

// runProbe executes one probe, converting panics and timeouts into
// unhealthy results so a misbehaving probe cannot take the sweep down.
func runProbe(ctx context.Context, p *probe) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "probe panicked",
					Error:   fmt.Sprintf("%v", v),
				}
			}
		}()
		done <- p.run(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{
			Status:  StatusUnhealthy,
			Message: "probe timed out",
			Error:   ctx.Err().Error(),
		}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus folds the cached results into one grade. An unswept
// critical probe reports unknown rather than guessing healthy.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown := false
	degraded := false
	for name, p := range c.probes {
		switch c.results[name].Status {
		case StatusUnhealthy:
			if p.critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			unknown = unknown || p.critical
		}
	}

	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Report is the body served by the detailed health endpoint.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Snapshot assembles the report, re-running every probe when full is set.
func (c *Checker) Snapshot(ctx context.Context, full bool) Report {
	var components map[string]CheckResult
	if full {
		components = c.Check(ctx)
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.started)
	c.mu.RUnlock()

	return Report{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// LivenessHandler answers 200 whenever the process can serve requests.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler answers 200 once startup has finished and no critical
// dependency is failing.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "not ready",
				"timestamp": time.Now(),
			})
			return
		}

		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler serves the detailed view. Querying with full=true runs
// every probe inline instead of reporting the cache.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		full := r.URL.Query().Get("full") == "true"
		report := c.Snapshot(r.Context(), full)

		code := http.StatusOK
		if report.Status != StatusHealthy && report.Status != StatusDegraded {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// DatabaseCheck probes store connectivity through the given ping.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
		}
	}
}
