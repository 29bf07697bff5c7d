package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/BaSui01/agentgrid/internal/cache"
	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
	"go.uber.org/zap"
)

// IdempotencyHeader carries a client key that makes run creation safe to
// retry.
const IdempotencyHeader = "Idempotency-Key"

// RunService is the part of the engine that creates and controls runs.
type RunService interface {
	CreateRun(ctx context.Context, workflowName string, initialContext map[string]any, opts ...orchestrator.RunOption) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*orchestrator.Run, error)
	ListRuns(ctx context.Context) ([]orchestrator.RunSummary, error)
	ControlRun(ctx context.Context, runID string, action orchestrator.Action) error
}

// Idempotency reserves and records Idempotency-Key results.
// *cache.IdempotencyStore implements it.
type Idempotency interface {
	Begin(ctx context.Context, key string) (string, error)
	Complete(ctx context.Context, key, result string) error
	Abort(ctx context.Context, key string) error
}

// RunHandler serves /api/v1/runs.
type RunHandler struct {
	runs   RunService
	idem   Idempotency
	logger *zap.Logger
}

// CreateRunRequest is the body of POST /api/v1/runs.
type CreateRunRequest struct {
	Workflow    string         `json:"workflow"`
	Context     map[string]any `json:"context,omitempty"`
	MaxParallel *int           `json:"max_parallel,omitempty"`
}

// CreateRunResponse is returned by POST /api/v1/runs.
type CreateRunResponse struct {
	RunID    string `json:"run_id"`
	Replayed bool   `json:"replayed,omitempty"`
}

// NewRunHandler creates a RunHandler. idem may be nil, in which case the
// Idempotency-Key header is ignored.
func NewRunHandler(runs RunService, idem Idempotency, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, idem: idem, logger: logger.With(zap.String("component", "run_handler"))}
}

// HandleCreate starts a run
// @Summary Create run
// @Description Starts a run of a registered workflow with an initial context
// @Tags run
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Client retry key"
// @Param request body CreateRunRequest true "Run request"
// @Success 201 {object} Response{data=CreateRunResponse} "Run created"
// @Success 200 {object} Response{data=CreateRunResponse} "Replayed"
// @Failure 400 {object} Response "Invalid request or unregistered agent"
// @Failure 404 {object} Response "Workflow not found"
// @Failure 409 {object} Response "Same key in flight"
// @Router /api/v1/runs [post]
func (h *RunHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Workflow == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow is required", h.logger)
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idem != nil {
		prior, err := h.idem.Begin(r.Context(), key)
		switch {
		case errors.Is(err, cache.ErrInFlight):
			WriteError(w, types.NewError(types.ErrConflict, "a request with this idempotency key is in progress").
				WithRetryable(true), h.logger)
			return
		case err != nil:
			WriteError(w, types.NewError(types.ErrServiceUnavailable, "idempotency store unavailable").WithCause(err), h.logger)
			return
		case prior != "":
			WriteSuccess(w, CreateRunResponse{RunID: prior, Replayed: true})
			return
		}
	}

	var opts []orchestrator.RunOption
	if req.MaxParallel != nil {
		opts = append(opts, orchestrator.WithMaxParallel(*req.MaxParallel))
	}

	runID, err := h.runs.CreateRun(r.Context(), req.Workflow, req.Context, opts...)
	if err != nil {
		if key != "" && h.idem != nil {
			if abortErr := h.idem.Abort(context.WithoutCancel(r.Context()), key); abortErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(abortErr))
			}
		}
		writeErr(w, err, h.logger)
		return
	}

	if key != "" && h.idem != nil {
		if err := h.idem.Complete(context.WithoutCancel(r.Context()), key, runID); err != nil {
			h.logger.Warn("failed to record idempotency key",
				zap.String("key", key), zap.String("run_id", runID), zap.Error(err))
		}
	}

	h.logger.Info("run created", zap.String("run_id", runID), zap.String("workflow", req.Workflow))
	WriteCreated(w, CreateRunResponse{RunID: runID})
}

// HandleList lists live and archived runs.
// @Router /api/v1/runs [get]
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context())
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	if runs == nil {
		runs = []orchestrator.RunSummary{}
	}
	WriteSuccess(w, runs)
}

// HandleGet returns the full status of a run.
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRunStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleControl applies pause, resume or cancel, taken from the {action}
// path segment.
// @Router /api/v1/runs/{id}/{action} [post]
func (h *RunHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	action := orchestrator.Action(r.PathValue("action"))
	switch action {
	case orchestrator.ActionPause, orchestrator.ActionResume, orchestrator.ActionCancel:
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"action must be pause, resume or cancel", h.logger)
		return
	}

	runID := r.PathValue("id")
	if err := h.runs.ControlRun(r.Context(), runID, action); err != nil {
		writeErr(w, err, h.logger)
		return
	}

	run, err := h.runs.GetRunStatus(r.Context(), runID)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, run.Summary())
}
