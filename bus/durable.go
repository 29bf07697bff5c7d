package bus

import "context"

// DurableLog is the extension point for persisting published events outside
// the process. The in-memory bus is correct without one; a log adds replay
// for late or restarted consumers.
type DurableLog interface {
	// Append persists an event. Called once per Publish, before routing.
	Append(ctx context.Context, evt Event) error

	// Replay returns up to limit events on topic published after afterID
	// (exclusive; empty means from the beginning), oldest first.
	Replay(ctx context.Context, topic, afterID string, limit int) ([]Event, error)

	// Close releases log resources.
	Close() error
}
