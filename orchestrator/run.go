package orchestrator

import (
	"time"

	"github.com/BaSui01/agentgrid/types"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunPaused    RunStatus = "Paused"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepWaiting   StepStatus = "Waiting"
	StepReady     StepStatus = "Ready"
	StepRunning   StepStatus = "Running"
	StepSucceeded StepStatus = "Succeeded"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
)

// satisfies reports whether a predecessor in this state lets successors run.
func (s StepStatus) satisfies() bool { return s == StepSucceeded || s == StepSkipped }

// Skip reasons recorded on skipped steps.
const (
	ReasonConditionFalse          = "condition not met"
	ReasonCancelled               = "Cancelled"
	ReasonRunFailed               = "run failed"
	ReasonCompensated             = "compensated"
	ReasonCompensationNotRequired = "compensation not required"
)

// Control actions accepted by ControlRun.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// Attempt records one execution of a step.
type Attempt struct {
	Number     int             `json:"number"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Status     StepStatus      `json:"status"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
}

// StepState is the externally visible state of one step.
type StepState struct {
	StepID     string          `json:"step_id"`
	AgentID    string          `json:"agent_id"`
	Status     StepStatus      `json:"status"`
	Attempts   int             `json:"attempts"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`
	// NextAttemptAt is set while a retry is pending.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	// CompensationFor names the step this one compensates.
	CompensationFor string    `json:"compensation_for,omitempty"`
	History         []Attempt `json:"history,omitempty"`
}

// HistoryEntry records a recovery or control action taken on a run.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	StepID string    `json:"step_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// History actions.
const (
	HistoryCreated             = "created"
	HistoryStarted             = "started"
	HistoryPaused              = "paused"
	HistoryResumed             = "resumed"
	HistoryCancelRequested     = "cancel_requested"
	HistoryRetryScheduled      = "retry_scheduled"
	HistoryCompensationStarted = "compensation_scheduled"
	HistoryCompensated         = "compensated"
	HistoryRetryExhausted      = "retry_exhausted"
	HistoryConditionRechecked  = "condition_rechecked"
	HistoryFinished            = "finished"
)

// Run is a point-in-time snapshot of a workflow run.
type Run struct {
	ID          string               `json:"run_id"`
	Workflow    string               `json:"workflow"`
	Status      RunStatus            `json:"status"`
	MaxParallel int                  `json:"max_parallel"`
	Steps       map[string]StepState `json:"steps"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	// FailedStep and Error describe why a run failed.
	FailedStep string          `json:"failed_step,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
	History    []HistoryEntry  `json:"history"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID         string     `json:"run_id"`
	Workflow   string     `json:"workflow"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	FailedStep string     `json:"failed_step,omitempty"`
}

// Summary returns the list view of r.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		ID:         r.ID,
		Workflow:   r.Workflow,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
		FailedStep: r.FailedStep,
	}
}
