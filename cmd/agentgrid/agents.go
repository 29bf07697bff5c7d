package main

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/agent"
	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
)

// Built-in agent ids registered by serve.
const (
	agentEcho    = "echo"
	agentPublish = "publish"
	agentAwait   = "await"
)

// builtinAgents registers the agents every server ships with and returns
// the clients to close on shutdown.
//
//   - echo writes the step input into the context store.
//   - publish sends input.payload to input.topic on the bus.
//   - await blocks until an event matching input.topic arrives and stores
//     its payload under input.key (default: the step id). Only events
//     published after the step starts are seen.
func builtinAgents(e *orchestrator.Engine, b *bus.Bus, store *contextstore.Store, logger *zap.Logger) ([]*agent.Client, error) {
	publisher, err := agent.NewClient(agentPublish, b, store, logger)
	if err != nil {
		return nil, err
	}

	handlers := map[string]orchestrator.AgentHandler{
		agentEcho: orchestrator.AgentFunc(func(_ context.Context, req orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
			return orchestrator.Success(maps.Clone(req.Input)), nil
		}),
		agentPublish: agent.Bind(publisher, publishStep),
		agentAwait: orchestrator.AgentFunc(func(ctx context.Context, req orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
			c, err := agent.NewClient(fmt.Sprintf("%s/%s/%s", agentAwait, req.RunID, req.StepID), b, store, logger)
			if err != nil {
				return orchestrator.AgentResult{}, err
			}
			defer c.Close()
			return awaitStep(ctx, c, req)
		}),
	}
	for id, h := range handlers {
		if err := e.RegisterAgent(id, h); err != nil {
			publisher.Close()
			return nil, err
		}
	}
	return []*agent.Client{publisher}, nil
}

func publishStep(ctx context.Context, caps agent.Capabilities, req orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
	topic, _ := req.Input["topic"].(string)
	if topic == "" {
		return orchestrator.Failure("publish: input.topic is required"), nil
	}
	// The input map belongs to the definition; copy before adding ids.
	payload := make(map[string]any)
	if in, ok := req.Input["payload"].(map[string]any); ok {
		maps.Copy(payload, in)
	}
	payload["run_id"] = req.RunID
	payload["step_id"] = req.StepID

	evt, err := caps.Publish(ctx, topic, payload)
	if err != nil {
		return orchestrator.AgentResult{}, err
	}
	return orchestrator.Success(map[string]any{req.StepID + ".event_id": evt.ID}), nil
}

func awaitStep(ctx context.Context, caps agent.Capabilities, req orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
	topic, _ := req.Input["topic"].(string)
	if topic == "" {
		return orchestrator.Failure("await: input.topic is required"), nil
	}
	key, _ := req.Input["key"].(string)
	if key == "" {
		key = req.StepID
	}

	if _, err := caps.Subscribe(topic); err != nil {
		return orchestrator.AgentResult{}, err
	}
	woke := false
	for {
		if events := caps.Poll(1); len(events) > 0 {
			return orchestrator.Success(map[string]any{key: events[0].Payload}), nil
		}
		// Wait returns immediately once the bus is closed.
		if woke {
			return orchestrator.AgentResult{}, types.NewError(types.ErrServiceUnavailable, "await: bus closed")
		}
		if err := caps.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return orchestrator.AgentResult{}, types.NewError(types.ErrTimeout, "await: no event on "+topic).WithCause(err)
			}
			return orchestrator.AgentResult{}, err
		}
		woke = true
	}
}
