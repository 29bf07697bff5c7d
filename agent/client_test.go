package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow"
)

func newClients(t *testing.T, ids ...string) (*bus.Bus, *contextstore.Store, []*Client) {
	t.Helper()
	b := bus.New(bus.Options{})
	s := contextstore.New(contextstore.Options{})
	t.Cleanup(func() {
		_ = b.Close()
		_ = s.Close()
	})
	var out []*Client
	for _, id := range ids {
		c, err := NewClient(id, b, s, nil)
		require.NoError(t, err)
		out = append(out, c)
	}
	return b, s, out
}

func TestClient_PublishSubscribePoll(t *testing.T) {
	_, _, cs := newClients(t, "planner", "coder")
	planner, coder := cs[0], cs[1]

	_, err := coder.Subscribe("task.*")
	require.NoError(t, err)

	evt, err := planner.Publish(context.Background(), "task.created", map[string]any{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, "planner", evt.PublisherID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, coder.Wait(ctx))

	got := coder.Poll(0)
	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.Equal(t, 7, got[0].Payload["id"])
	assert.Empty(t, coder.Poll(0))
}

func TestClient_CloseDropsSubscriptions(t *testing.T) {
	b, _, cs := newClients(t, "reviewer")
	c := cs[0]

	_, err := c.Subscribe("review.*")
	require.NoError(t, err)
	_, err = c.Subscribe("task.done")
	require.NoError(t, err)
	assert.Len(t, b.Subscriptions("reviewer"), 2)

	c.Close()
	assert.Empty(t, b.Subscriptions("reviewer"))

	_, err = c.Subscribe("bad..pattern")
	assert.True(t, types.IsCode(err, types.ErrInvalidPattern))
}

func TestClient_ContextVersions(t *testing.T) {
	_, _, cs := newClients(t, "a", "b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	v1, err := a.WriteContext(ctx, "plan.status", "draft", 0)
	require.NoError(t, err)

	val, version, err := b.ReadContext(ctx, "plan.status")
	require.NoError(t, err)
	assert.Equal(t, "draft", val)
	assert.Equal(t, v1, version)

	_, err = b.WriteContext(ctx, "plan.status", "final", version)
	require.NoError(t, err)

	_, err = a.WriteContext(ctx, "plan.status", "stale", v1)
	assert.True(t, types.IsCode(err, types.ErrConflict))

	_, _, err = a.ReadContext(ctx, "missing.key")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", bus.New(bus.Options{}), contextstore.New(contextstore.Options{}), nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
	_, err = NewClient("x", nil, nil, nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestBind_StepPublishesThroughCapabilities(t *testing.T) {
	b, s, cs := newClients(t, "notifier", "listener")
	notifier, listener := cs[0], cs[1]
	_, err := listener.Subscribe("notify.*")
	require.NoError(t, err)

	e := orchestrator.New(orchestrator.Options{Store: s})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	require.NoError(t, e.RegisterAgent("notifier", Bind(notifier,
		func(ctx context.Context, caps Capabilities, req orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
			if _, err := caps.Publish(ctx, "notify.sent", map[string]any{"run_id": req.RunID}); err != nil {
				return orchestrator.AgentResult{}, err
			}
			return orchestrator.Success(map[string]any{"notified": true}), nil
		})))
	_, err = e.RegisterDefinition(workflow.NewBuilder("notify").AddStep("send", "notifier").Done().Definition())
	require.NoError(t, err)

	id, err := e.CreateRun(context.Background(), "notify", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompleted, run.Status)

	events := listener.Poll(0)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Payload["run_id"])
	assert.Equal(t, 0, b.Pending("notifier"))

	v, _, err := listener.ReadContext(ctx, "notified")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}
