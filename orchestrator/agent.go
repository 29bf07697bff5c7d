package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/agentgrid/types"
)

// ResultStatus is the outcome an agent reports for a step.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// AgentRequest is what an agent receives for each dispatched step.
type AgentRequest struct {
	RunID    string         `json:"run_id"`
	Workflow string         `json:"workflow"`
	StepID   string         `json:"step_id"`
	Attempt  int            `json:"attempt"`
	Command  string         `json:"command,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	// Context is a snapshot of the context store taken just before dispatch.
	Context map[string]any `json:"context"`
	// CompensationFor is set when the step runs as a compensation.
	CompensationFor string `json:"compensation_for,omitempty"`
}

// AgentResult is what an agent returns for a step.
type AgentResult struct {
	Status ResultStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
	// ContextUpdates are written to the context store before the step is
	// marked Succeeded.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
}

// Success builds a successful result.
func Success(updates map[string]any) AgentResult {
	return AgentResult{Status: ResultSuccess, ContextUpdates: updates}
}

// Failure builds a failed result.
func Failure(format string, args ...any) AgentResult {
	return AgentResult{Status: ResultFailure, Error: fmt.Sprintf(format, args...)}
}

// AgentHandler executes step commands for one agent. Implementations should
// honour ctx cancellation; the scheduler still awaits handlers that do not.
type AgentHandler interface {
	Handle(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// AgentFunc adapts a function to AgentHandler.
type AgentFunc func(ctx context.Context, req AgentRequest) (AgentResult, error)

// Handle implements AgentHandler.
func (f AgentFunc) Handle(ctx context.Context, req AgentRequest) (AgentResult, error) {
	return f(ctx, req)
}

// invoke runs the handler, converting panics, returned errors and failure
// results into STEP_EXECUTION_ERROR. Errors that already carry a code keep it.
func invoke(ctx context.Context, h AgentHandler, req AgentRequest) (res AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrStepExecution, "agent panicked: %v", r).
				WithCause(fmt.Errorf("%s", debug.Stack()))
		}
	}()

	res, err = h.Handle(ctx, req)
	if err != nil {
		if _, ok := types.AsError(err); ok {
			return res, err
		}
		return res, types.NewError(types.ErrStepExecution, err.Error()).WithCause(err)
	}
	switch res.Status {
	case ResultSuccess:
		return res, nil
	case ResultFailure:
		msg := res.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return res, types.NewError(types.ErrStepExecution, msg)
	default:
		return res, types.Errorf(types.ErrStepExecution, "agent returned unknown status %q", res.Status)
	}
}
