package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the result of one collaborator probe
type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Optional  bool                   `json:"optional,omitempty"`
	Message   string                 `json:"message,omitempty"`
	LatencyMS int64                  `json:"latency_ms"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every registered check
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Checks    []HealthCheck `json:"checks"`
}

// HealthChecker probes one collaborator
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// CheckerFunc adapts a function to HealthChecker
type CheckerFunc func(ctx context.Context) HealthCheck

func (f CheckerFunc) Check(ctx context.Context) HealthCheck {
	return f(ctx)
}

type registration struct {
	checker  HealthChecker
	optional bool
}

// HealthManager runs the agent's collaborator probes. A failing required
// check makes the agent unhealthy; a failing optional one only degrades it.
type HealthManager struct {
	service string
	version string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]registration
}

// NewHealthManager creates a health manager with a 5s per-check timeout
func NewHealthManager(service, version string) *HealthManager {
	return &HealthManager{
		service: service,
		version: version,
		timeout: 5 * time.Second,
		checks:  make(map[string]registration),
	}
}

// RegisterChecker adds a required check
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(name, checker, false)
}

// RegisterOptional adds a check whose failure only degrades the report
func (hm *HealthManager) RegisterOptional(name string, checker HealthChecker) {
	hm.register(name, checker, true)
}

func (hm *HealthManager) register(name string, checker HealthChecker, optional bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[name] = registration{checker: checker, optional: optional}
}

// CheckHealth runs every check concurrently; checks are reported by name
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	regs := make(map[string]registration, len(hm.checks))
	for name, reg := range hm.checks {
		regs[name] = reg
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	results := make([]HealthCheck, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string, reg registration) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, hm.timeout)
			defer cancel()

			start := time.Now()
			check := reg.checker.Check(cctx)
			check.Name = name
			check.Optional = reg.optional
			check.LatencyMS = time.Since(start).Milliseconds()
			results[i] = check
		}(i, name, regs[name])
	}
	wg.Wait()

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Service:   hm.service,
		Version:   hm.version,
		Checks:    results,
	}
	for _, check := range results {
		switch {
		case check.Status == HealthStatusHealthy:
		case check.Status == HealthStatusUnhealthy && !check.Optional:
			report.Status = HealthStatusUnhealthy
		case report.Status == HealthStatusHealthy:
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

// HTTPHandler serves the report; only an unhealthy agent answers 503
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// NewDatabaseHealthChecker reports on the key store database and its pool
func NewDatabaseHealthChecker(db *sql.DB) HealthChecker {
	return CheckerFunc(func(ctx context.Context) HealthCheck {
		if err := db.PingContext(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("key store database unreachable: %v", err),
			}
		}

		stats := db.Stats()
		check := HealthCheck{
			Status: HealthStatusHealthy,
			Details: map[string]interface{}{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"wait_count":       stats.WaitCount,
			},
		}
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			check.Status = HealthStatusDegraded
			check.Message = "connection pool exhausted"
		}
		return check
	})
}

// Pinger is implemented by the ledger and storage collaborators
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingHealthChecker reports a collaborator healthy when Ping succeeds
func NewPingHealthChecker(p Pinger) HealthChecker {
	return CheckerFunc(func(ctx context.Context) HealthCheck {
		if err := p.Ping(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("unreachable: %v", err),
			}
		}
		return HealthCheck{Status: HealthStatusHealthy}
	})
}
