package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/store"
	"trek-rest-api/pkg/response"
)

// readinessPath is read by readiness checks; it never exists.
const readinessPath = "health/readiness"

// Handler contains shared HTTP handlers and their dependencies.
type Handler struct {
	store     store.DocumentStore
	cache     cache.LocalCache
	version   string
	startTime time.Time
}

// New creates a new handler.
func New(st store.DocumentStore, c cache.LocalCache, version string) *Handler {
	return &Handler{
		store:     st,
		cache:     c,
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}
	response.OK(w, resp)
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// Check represents an individual readiness check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) checks(ctx context.Context) []Check {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	checks := []Check{{Name: "api", Status: "ok"}}

	remote := Check{Name: "remote_store", Status: "ok"}
	if _, err := h.store.Get(ctx, readinessPath); err != nil {
		remote.Status = "error"
		remote.Error = err.Error()
	}
	checks = append(checks, remote)

	local := Check{Name: "local_cache", Status: "ok"}
	if _, err := h.cache.Stats(ctx); err != nil {
		local.Status = "error"
		local.Error = err.Error()
	}
	return append(checks, local)
}

// Ready handles GET /api/v1/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := h.checks(r.Context())

	allReady := true
	for _, check := range checks {
		if check.Status != "ok" {
			allReady = false
			break
		}
	}

	resp := ReadyResponse{
		Ready:     allReady,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, resp)
}

// StatusChecks represents the checks in status response
type StatusChecks struct {
	RemoteStore string  `json:"remote_store"`
	LocalCache  string  `json:"local_cache"`
	MemoryMB    float64 `json:"memory_mb"`
}

// StatusResponse represents the unified status response for bot monitoring
type StatusResponse struct {
	Service       string       `json:"service"`
	Status        string       `json:"status"`
	Timestamp     string       `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	PingMS        int64        `json:"ping_ms"`
	Checks        StatusChecks `json:"checks"`
}

// Status handles GET /api/status - unified health check for bot monitoring
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()

	checks := h.checks(r.Context())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memoryMB := float64(memStats.Alloc) / 1024 / 1024

	status := "ok"
	for _, c := range checks {
		if c.Status != "ok" {
			status = "degraded"
		}
	}

	resp := StatusResponse{
		Service:       "trek-rest-api",
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		PingMS:        time.Since(requestStart).Milliseconds(),
		Checks: StatusChecks{
			RemoteStore: checks[1].Status,
			LocalCache:  checks[2].Status,
			MemoryMB:    float64(int(memoryMB*100)) / 100,
		},
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	response.OK(w, resp)
}
