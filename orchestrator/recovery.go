package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/workflow"
)

// RecoveryAction is what the recovery manager decided for a failed step.
type RecoveryAction int

const (
	// RecoverRetry re-enqueues the step after Delay.
	RecoverRetry RecoveryAction = iota
	// RecoverCompensate schedules the step's compensation.
	RecoverCompensate
	// RecoverFail fails the run.
	RecoverFail
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoverRetry:
		return "retry"
	case RecoverCompensate:
		return "compensate"
	default:
		return "fail"
	}
}

// Decision is the outcome of RecoveryManager.Decide.
type Decision struct {
	Action       RecoveryAction
	Delay        time.Duration
	Compensation string
}

// RecoveryManager applies per-step retry and compensation policy. It keeps
// one backoff schedule per run step.
type RecoveryManager struct {
	logger *zap.Logger
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(logger *zap.Logger) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{logger: logger.With(zap.String("component", "recovery_manager"))}
}

// newBackOff builds the exponential schedule for a policy.
func newBackOff(p workflow.BackoffPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial.Std()
	b.MaxInterval = p.Max.Std()
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.JitterFactor()
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Decide chooses what to do after attempt number attempts of node failed.
// A step retries while attempts remain; once exhausted it compensates if it
// declares a compensation, otherwise the run fails. Compensation steps never
// compensate again. A failure before the first attempt, such as a condition
// that cannot be evaluated, is never retried.
func (m *RecoveryManager) Decide(node *workflow.Node, st *stepRuntime, cause error) Decision {
	if st.attempts > 0 && st.attempts < node.Retry.MaxAttempts {
		if st.backoff == nil {
			st.backoff = newBackOff(node.Retry.Backoff)
		}
		delay := st.backoff.NextBackOff()
		if delay < 0 {
			delay = 0
		}
		m.logger.Debug("retry scheduled",
			zap.String("step_id", node.Step.ID),
			zap.Int("attempt", st.attempts),
			zap.Int("max_attempts", node.Retry.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		return Decision{Action: RecoverRetry, Delay: delay}
	}

	if node.Step.Compensation != "" && !node.IsCompensation() {
		m.logger.Info("retries exhausted, compensating",
			zap.String("step_id", node.Step.ID),
			zap.String("compensation", node.Step.Compensation),
			zap.Error(cause),
		)
		return Decision{Action: RecoverCompensate, Compensation: node.Step.Compensation}
	}

	return Decision{Action: RecoverFail}
}
