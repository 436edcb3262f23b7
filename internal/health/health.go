// Package health aggregates component checks for the detection node and
// serves them as liveness, readiness and detailed health endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health of one component or of the node.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a check registered without a timeout.
const DefaultTimeout = 5 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one component.
type Check func(ctx context.Context) CheckResult

// Component is a registered check. A failing critical component makes
// the node unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks and remembers their last results.
type Checker struct {
	started time.Time
	ready   atomic.Bool

	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
}

// NewChecker creates a checker that is not ready yet.
func NewChecker() *Checker {
	return &Checker{
		started:    time.Now(),
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
	}
}

// Register adds or replaces a component. Its status is unknown until
// the first Check.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady flips readiness; the daemon sets it once everything is wired.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// IsReady reports readiness.
func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

// Check runs every component concurrently and returns the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(comps))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, comp)
			rmu.Lock()
			results[comp.Name] = res
			rmu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = res
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check under its timeout. A panicking check is
// unhealthy; a check that outlives its timeout is abandoned.
func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus folds the last results into one status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, res := range c.results {
		critical := c.components[name].Critical
		switch {
		case res.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case res.Status == StatusUnknown && critical:
			status = StatusUnknown
		case res.Status == StatusUnhealthy, res.Status == StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// LivenessHandler answers 200 while the process can serve HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		writeJSON(w, httpStatus(status), map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
	})
}

// HealthHandler runs every check; ?full=true includes per-component results.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		resp := HealthResponse{
			Status:    c.OverallStatus(),
			Ready:     c.IsReady(),
			Uptime:    time.Since(c.started).Round(time.Second).String(),
			Timestamp: time.Now(),
		}
		if r.URL.Query().Get("full") == "true" {
			resp.Components = results
		}
		writeJSON(w, httpStatus(resp.Status), resp)
	})
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
