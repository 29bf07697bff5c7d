package handlers

import (
	"net/http"

	"github.com/BaSui01/agentgrid/internal/metrics"
)

// SnapshotSource exposes aggregated metrics.
type SnapshotSource interface {
	Snapshot() metrics.Snapshot
}

// MetricsHandler serves the JSON metrics snapshot. Prometheus scrapes the
// separate /metrics endpoint.
type MetricsHandler struct {
	source SnapshotSource
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(source SnapshotSource) *MetricsHandler {
	return &MetricsHandler{source: source}
}

// WorkflowSnapshot adds the completion rate to WorkflowStats.
type WorkflowSnapshot struct {
	metrics.WorkflowStats
	CompletionRate float64 `json:"completion_rate"`
}

// SnapshotResponse is the body of GET /api/v1/metrics/snapshot.
type SnapshotResponse struct {
	metrics.Snapshot
	Workflows map[string]WorkflowSnapshot `json:"workflows"`
}

// HandleSnapshot returns the current snapshot.
// @Router /api/v1/metrics/snapshot [get]
func (h *MetricsHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	resp := SnapshotResponse{
		Snapshot:  snap,
		Workflows: make(map[string]WorkflowSnapshot, len(snap.Workflows)),
	}
	for name, ws := range snap.Workflows {
		resp.Workflows[name] = WorkflowSnapshot{WorkflowStats: ws, CompletionRate: ws.CompletionRate()}
	}
	WriteSuccess(w, resp)
}
