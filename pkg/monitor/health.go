// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides liveness and readiness checks for the bridge:
// storage reachability, the broker listener, legacy farm sessions and
// Modbus actuator connections.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Status strings.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name        string
	fn          CheckFunc
	critical    bool
	lastChecked time.Time
	lastErr     error
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Checks     map[string]CheckResult `json:"checks"`
	Goroutines int                    `json:"goroutines"`
}

// HealthChecker runs registered checks. Only critical checks affect
// readiness.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]*healthCheck
	healthy bool
	last    time.Time

	version string
	started time.Time
	timeout time.Duration
	clock   clock.WithTicker
	logger  *slog.Logger
}

// NewHealthChecker creates a checker. A goroutine-count check is always
// registered.
func NewHealthChecker(version string, c clock.WithTicker, logger *slog.Logger) *HealthChecker {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	hc := &HealthChecker{
		checks:  make(map[string]*healthCheck),
		healthy: true,
		version: version,
		started: c.Now(),
		timeout: 5 * time.Second,
		clock:   c,
		logger:  logger,
	}
	hc.RegisterCheck("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > 10000 {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck adds or replaces a named check.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &healthCheck{name: name, fn: fn, critical: critical}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes every check with a bounded timeout each.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make([]*healthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	now := hc.clock.Now()
	errs := make([]error, len(checks))
	for i, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, hc.timeout)
		errs[i] = c.fn(cctx)
		cancel()
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	healthy := true
	for i, c := range checks {
		c.lastChecked = now
		c.lastErr = errs[i]
		if errs[i] != nil && c.critical {
			healthy = false
			hc.logger.Warn("Critical health check failed", "check", c.name, "error", errs[i])
		}
	}
	hc.healthy = healthy
	hc.last = now
	return hc.statusLocked()
}

// GetStatus returns the last results without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked()
}

func (hc *HealthChecker) statusLocked() HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		r := CheckResult{Status: StatusUnknown, LastChecked: c.lastChecked, Critical: c.critical}
		if !c.lastChecked.IsZero() {
			r.Status = StatusPassed
			if c.lastErr != nil {
				r.Status = StatusFailed
				r.Message = c.lastErr.Error()
			}
		}
		results[name] = r
	}
	status := StatusHealthy
	if !hc.healthy {
		status = StatusUnhealthy
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  hc.last,
		Uptime:     int64(hc.clock.Since(hc.started).Seconds()),
		Version:    hc.version,
		Checks:     results,
		Goroutines: runtime.NumGoroutine(),
	}
}

// IsHealthy reports the outcome of the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Periodic returns an actor that reruns the checks every interval.
func (hc *HealthChecker) Periodic(interval time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := hc.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			hc.RunChecks(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
			}
		}
	}
}

// RegisterRoutes mounts /health (liveness), /ready (readiness) and
// /health/detailed.
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", hc.handleHealth)
	mux.HandleFunc("GET /ready", hc.handleReady)
	mux.HandleFunc("GET /health/detailed", hc.handleDetailed)
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   hc.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (hc *HealthChecker) handleReady(w http.ResponseWriter, r *http.Request) {
	status := hc.RunChecks(r.Context())
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status.Status})
}

func (hc *HealthChecker) handleDetailed(w http.ResponseWriter, r *http.Request) {
	status := hc.GetStatus()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
