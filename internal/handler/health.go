package handler

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ComUnity/audit-service/internal/client"
	"github.com/ComUnity/audit-service/pkg/security"
)

var startTime = time.Now()

// HealthStatus grades a check result.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status   HealthStatus   `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Latency  string         `json:"latency,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HealthChecker probes one dependency.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// HealthHandler aggregates dependency checks into the health,
// readiness, and liveness endpoints.
type HealthHandler struct {
	env      string
	version  string
	checkers []HealthChecker
}

func NewHealthHandler(env, version string, checkers ...HealthChecker) *HealthHandler {
	return &HealthHandler{env: env, version: version, checkers: checkers}
}

type healthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
}

// ServeHTTP handles GET /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      HealthStatusHealthy,
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.env,
		Uptime:      time.Since(startTime).Round(time.Second).String(),
		Checks:      make(map[string]CheckResult, len(h.checkers)),
	}

	for _, checker := range h.checkers {
		started := time.Now()
		result := checker.Check(ctx)
		result.Latency = time.Since(started).String()
		resp.Checks[checker.Name()] = result

		switch result.Status {
		case HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if resp.Status == HealthStatusHealthy {
				resp.Status = HealthStatusDegraded
			}
		}
	}

	status := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, status, resp)
}

// Readiness handles GET /ready. Only the persistent store is a
// readiness gate; everything else degrades.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, checker := range h.checkers {
		if checker.Name() != "database" {
			continue
		}
		if result := checker.Check(ctx); result.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - database: %s\n", result.Error)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// Liveness handles GET /live.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime).Round(time.Second))
}

// DatabaseChecker pings the live connection pool.
type DatabaseChecker struct {
	DB *sql.DB
}

func (d *DatabaseChecker) Name() string { return "database" }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if d.DB == nil {
		return CheckResult{Status: HealthStatusHealthy, Message: "in-memory store"}
	}
	if err := d.DB.PingContext(ctx); err != nil {
		return CheckResult{Status: HealthStatusUnhealthy, Error: err.Error()}
	}
	stats := d.DB.Stats()
	return CheckResult{
		Status:  HealthStatusHealthy,
		Message: "connection pool responsive",
		Metadata: map[string]any{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
}

// RedisChecker pings the shared client. Redis is optional, so a
// failure degrades rather than fails the service.
type RedisChecker struct {
	Client *client.RedisClient
}

func (r *RedisChecker) Name() string { return "redis" }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.Client == nil {
		return CheckResult{Status: HealthStatusHealthy, Message: "disabled"}
	}
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: HealthStatusDegraded, Error: err.Error()}
	}
	return CheckResult{Status: HealthStatusHealthy, Message: "ping ok"}
}

// KeySourceChecker reports the state of the KMS master key when the
// KMS source is in use.
type KeySourceChecker struct {
	Keys security.KeySource
}

func (k *KeySourceChecker) Name() string { return "keys" }

func (k *KeySourceChecker) Check(ctx context.Context) CheckResult {
	kms, ok := k.Keys.(*security.KMSKeySource)
	if !ok {
		return CheckResult{Status: HealthStatusHealthy, Message: "static key source"}
	}
	state, err := kms.Health(ctx)
	if err != nil {
		return CheckResult{Status: HealthStatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{
		Status:   HealthStatusHealthy,
		Message:  "master key available",
		Metadata: map[string]any{"key_state": state},
	}
}
