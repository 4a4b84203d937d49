package api

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// HealthCheckFunc probes one dependency.
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker runs the registered dependency checks for /health and
// /ready.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
	logger *slog.Logger
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{checks: make(map[string]HealthCheckFunc), logger: logger}
}

// Register adds or replaces a named check.
func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every check. One failing component marks the whole result
// unhealthy.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	result := &HealthCheckResult{
		Status:     statusHealthy,
		Components: make(map[string]*ComponentHealthResult, len(names)),
	}
	for _, name := range names {
		component := &ComponentHealthResult{Status: statusHealthy}
		if err := checks[name](ctx); err != nil {
			component.Status = statusUnhealthy
			component.Error = err.Error()
			result.Status = statusUnhealthy
			h.logger.WarnContext(ctx, "health check failed", "component", name, "error", err)
		}
		result.Components[name] = component
	}
	return result
}

// HealthCheckResult is the /health response body.
type HealthCheckResult struct {
	Status     string                            `json:"status"`
	Version    string                            `json:"version,omitempty"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

type ComponentHealthResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
