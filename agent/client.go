package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
)

// Capabilities is everything an agent may do besides executing steps.
type Capabilities interface {
	// ID is the agent's subscriber and publisher id.
	ID() string
	Publish(ctx context.Context, topic string, payload map[string]any) (bus.Event, error)
	Subscribe(topicPattern string) (bus.Subscription, error)
	Unsubscribe(handleID string)
	// Poll removes up to maxItems queued events. maxItems <= 0 drains the queue.
	Poll(maxItems int) []bus.Event
	// Wait blocks until at least one event is queued.
	Wait(ctx context.Context) error
	ReadContext(ctx context.Context, key string) (any, int64, error)
	// WriteContext writes key if its version still equals expectedVersion
	// (0 creates) and returns the new version.
	WriteContext(ctx context.Context, key string, value any, expectedVersion int64) (int64, error)
}

// Client implements Capabilities over a bus and a context store.
type Client struct {
	id     string
	bus    *bus.Bus
	store  *contextstore.Store
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]struct{}
}

var _ Capabilities = (*Client)(nil)

// NewClient creates a client for agent id.
func NewClient(id string, b *bus.Bus, store *contextstore.Store, logger *zap.Logger) (*Client, error) {
	if id == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent id is required")
	}
	if b == nil || store == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "bus and context store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		id:      id,
		bus:     b,
		store:   store,
		logger:  logger.With(zap.String("component", "agent_client"), zap.String("agent_id", id)),
		handles: make(map[string]struct{}),
	}, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) Publish(ctx context.Context, topic string, payload map[string]any) (bus.Event, error) {
	return c.bus.Publish(ctx, bus.NewEvent(topic, c.id, payload))
}

func (c *Client) Subscribe(topicPattern string) (bus.Subscription, error) {
	sub, err := c.bus.Subscribe(c.id, topicPattern)
	if err != nil {
		return bus.Subscription{}, err
	}
	c.mu.Lock()
	c.handles[sub.ID] = struct{}{}
	c.mu.Unlock()
	c.logger.Debug("subscribed", zap.String("pattern", topicPattern), zap.String("handle", sub.ID))
	return sub, nil
}

func (c *Client) Unsubscribe(handleID string) {
	c.mu.Lock()
	delete(c.handles, handleID)
	c.mu.Unlock()
	c.bus.Unsubscribe(handleID)
}

func (c *Client) Poll(maxItems int) []bus.Event {
	return c.bus.Drain(c.id, maxItems)
}

func (c *Client) Wait(ctx context.Context) error {
	return c.bus.Wait(ctx, c.id)
}

func (c *Client) ReadContext(ctx context.Context, key string) (any, int64, error) {
	return c.store.Get(ctx, key)
}

func (c *Client) WriteContext(ctx context.Context, key string, value any, expectedVersion int64) (int64, error) {
	return c.store.Set(ctx, key, value, expectedVersion, c.id)
}

// Close removes every subscription made through the client.
func (c *Client) Close() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]struct{})
	c.mu.Unlock()
	for h := range handles {
		c.bus.Unsubscribe(h)
	}
}

// StepFunc executes a workflow step with access to the agent's capabilities.
type StepFunc func(ctx context.Context, caps Capabilities, req orchestrator.AgentRequest) (orchestrator.AgentResult, error)

// Bind adapts fn into an orchestrator.AgentHandler bound to caps.
func Bind(caps Capabilities, fn StepFunc) orchestrator.AgentHandler {
	return orchestrator.AgentFunc(func(ctx context.Context, req orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
		return fn(ctx, caps, req)
	})
}
