package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/bus"
)

// PublisherID identifies lifecycle events on the bus.
const PublisherID = "agentgrid.scheduler"

// Lifecycle topics. Subscribe to "workflow.*" or "step.*" for all of them.
const (
	TopicWorkflowStarted    = "workflow.started"
	TopicWorkflowPaused     = "workflow.paused"
	TopicWorkflowResumed    = "workflow.resumed"
	TopicWorkflowCompleted  = "workflow.completed"
	TopicWorkflowFailed     = "workflow.failed"
	TopicWorkflowCancelled  = "workflow.cancelled"
	TopicStepStarted        = "step.started"
	TopicStepCompleted      = "step.completed"
	TopicStepFailed         = "step.failed"
	TopicStepSkipped        = "step.skipped"
	TopicStepRetryScheduled = "step.retry_scheduled"
	TopicStepCompensation   = "step.compensation_scheduled"
)

// eventNames maps topics to the "event" payload field.
var eventNames = map[string]string{
	TopicWorkflowStarted:    "workflow_started",
	TopicWorkflowPaused:     "workflow_paused",
	TopicWorkflowResumed:    "workflow_resumed",
	TopicWorkflowCompleted:  "workflow_completed",
	TopicWorkflowFailed:     "workflow_failed",
	TopicWorkflowCancelled:  "workflow_cancelled",
	TopicStepStarted:        "step_started",
	TopicStepCompleted:      "step_completed",
	TopicStepFailed:         "step_failed",
	TopicStepSkipped:        "step_skipped",
	TopicStepRetryScheduled: "step_retry_scheduled",
	TopicStepCompensation:   "step_compensation_scheduled",
}

func runTopic(status RunStatus) string {
	switch status {
	case RunCompleted:
		return TopicWorkflowCompleted
	case RunFailed:
		return TopicWorkflowFailed
	default:
		return TopicWorkflowCancelled
	}
}

// publishTimeout bounds one lifecycle publish, which may reach a durable
// log.
const publishTimeout = 5 * time.Second

// lifecycle builds run and step events. A nil bus disables them.
type lifecycle struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// emit queues an event on the run's outbox. Callers hold r.mu; the outbox
// is published by Scheduler.unlock.
func (l *lifecycle) emit(topic string, r *runState, fields map[string]any) {
	if l.bus == nil {
		return
	}
	payload := map[string]any{
		"event":    eventNames[topic],
		"run_id":   r.id,
		"workflow": r.graph.Name(),
	}
	for k, v := range fields {
		payload[k] = v
	}
	r.outbox = append(r.outbox, bus.NewEvent(topic, PublisherID, payload))
}

func (l *lifecycle) publish(runID string, events []bus.Event) {
	for _, evt := range events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_, err := l.bus.Publish(ctx, evt)
		cancel()
		if err != nil {
			l.logger.Warn("lifecycle event not published",
				zap.String("topic", evt.Topic),
				zap.String("run_id", runID),
				zap.Error(err),
			)
		}
	}
}
