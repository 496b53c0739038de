package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fengsecao/nexus-cli/internal/api/middleware"
	"github.com/fengsecao/nexus-cli/internal/common/health"
	"github.com/fengsecao/nexus-cli/internal/worker"
	"github.com/fengsecao/nexus-cli/internal/worker/pacing"
	"go.uber.org/zap"
)

// ============================================================================
// HTTP Response Models
// ============================================================================

type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ReadyResponse struct {
	Ready  bool                 `json:"ready"`
	Node   string               `json:"node_id"`
	Checks []health.CheckResult `json:"checks"`
}

type ActivityResponse struct {
	Stats  worker.WorkerStats `json:"stats"`
	Events []worker.Event     `json:"events"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// NodeStatus is the part of the prover node the status server reports on
type NodeStatus interface {
	Ready() bool
	GetStats() worker.WorkerStats
	Activity() []worker.Event
}

// PacerStatus exposes the pacer snapshot
type PacerStatus interface {
	Stats() pacing.Stats
}

// ============================================================================
// StatusHandler
// ============================================================================

type StatusHandler struct {
	node      NodeStatus
	pacer     PacerStatus
	checker   *health.Checker
	version   string
	startedAt time.Time
	logger    *zap.Logger
}

func NewStatusHandler(
	node NodeStatus,
	pacer PacerStatus,
	checker *health.Checker,
	version string,
	logger *zap.Logger,
) *StatusHandler {
	return &StatusHandler{
		node:      node,
		pacer:     pacer,
		checker:   checker,
		version:   version,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HealthCheck answers as long as the process is serving HTTP
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Service:       "nexus-prover",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// Ready runs the registered health checks and reports 503 when a critical
// one fails, including once the node has begun shutting down
func (h *StatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	result := h.checker.CheckAll(r.Context())
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, ReadyResponse{
		Ready:  result.Healthy,
		Node:   h.node.GetStats().NodeID,
		Checks: result.Checks,
	})
}

// Pacing returns the pacer snapshot: retry timeout, lane usage and cache size
func (h *StatusHandler) Pacing(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.pacer.Stats())
}

// Activity returns node counters and the most recent events, newest last.
// The optional limit query parameter caps the number of events.
func (h *StatusHandler) Activity(w http.ResponseWriter, r *http.Request) {
	limit := DefaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxActivityLimit {
			h.respondError(w, r, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(MaxActivityLimit))
			return
		}
		limit = n
	}

	events := h.node.Activity()
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	h.respondJSON(w, http.StatusOK, ActivityResponse{
		Stats:  h.node.GetStats(),
		Events: events,
	})
}

func (h *StatusHandler) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (h *StatusHandler) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	middleware.GetLogger(r.Context(), h.logger).Debug("Request failed",
		zap.Int("status", status),
		zap.String("error", message),
	)
	h.respondJSON(w, status, ErrorResponse{
		Success:   false,
		Error:     message,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}
