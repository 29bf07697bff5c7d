package orchestrator

import "time"

// Observer receives scheduler transitions for metrics. It must not block
// and must not call back into the engine.
type Observer interface {
	StepTransitioned(workflow, stepID, status string)
	StepExecuted(workflow, stepID, outcome string, d time.Duration)
	StepQueued(workflow string, wait time.Duration)
	RetryScheduled(workflow, stepID string)
	RunTransitioned(workflow, status string)
	RunFinished(workflow, status string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) StepTransitioned(string, string, string)            {}
func (nopObserver) StepExecuted(string, string, string, time.Duration) {}
func (nopObserver) StepQueued(string, time.Duration)                   {}
func (nopObserver) RetryScheduled(string, string)                      {}
func (nopObserver) RunTransitioned(string, string)                     {}
func (nopObserver) RunFinished(string, string, time.Duration)          {}
