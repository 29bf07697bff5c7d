package bus

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/internal/pattern"
	"github.com/BaSui01/agentgrid/internal/queue"
	"github.com/BaSui01/agentgrid/types"
)

// Observer receives bus throughput signals. Implementations must not block.
type Observer interface {
	EventPublished(topic string, deliveries int)
	EventDelivered(topic string, queueWait time.Duration)
	EventDropped(topic string)
}

// Options configures a Bus.
type Options struct {
	// QueueCapacity bounds each subscriber queue; <= 0 means unbounded.
	// A full queue drops its oldest event.
	QueueCapacity int
	// Log optionally persists every published event.
	Log DurableLog
	// Observer receives throughput signals.
	Observer Observer
	Logger   *zap.Logger
}

type delivery struct {
	evt      Event
	enqueued time.Time
}

// Bus is a topic-based publish/subscribe broker with one delivery queue per
// subscriber. The router is the only writer of a queue and the subscriber
// its only reader.
type Bus struct {
	router   *Router
	log      DurableLog
	observer Observer
	logger   *zap.Logger
	capacity int

	mu     sync.RWMutex
	queues map[string]*queue.Queue[delivery]

	countMu   sync.Mutex
	published map[string]int64

	closed atomic.Bool
}

// Stats is a point-in-time view of bus state.
type Stats struct {
	Subscriptions int              `json:"subscriptions"`
	Subscribers   int              `json:"subscribers"`
	Published     map[string]int64 `json:"published"`
	QueueDepth    map[string]int   `json:"queue_depth"`
	Dropped       map[string]int64 `json:"dropped"`
}

// New creates a bus.
func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		router:    NewRouter(),
		log:       opts.Log,
		observer:  opts.Observer,
		logger:    logger.With(zap.String("component", "message_bus")),
		capacity:  opts.QueueCapacity,
		queues:    make(map[string]*queue.Queue[delivery]),
		published: make(map[string]int64),
	}
}

// Publish appends evt to the queue of every subscriber with a matching
// subscription and returns the stored event. It does not wait for any
// subscriber. A missing id or timestamp is filled in.
func (b *Bus) Publish(ctx context.Context, evt Event) (Event, error) {
	if evt.Topic == "" {
		return Event{}, types.NewError(types.ErrInvalidTopic, "topic is empty")
	}
	if !pattern.ValidateName(evt.Topic) {
		return Event{}, types.Errorf(types.ErrInvalidTopic, "topic %q is malformed", evt.Topic)
	}
	if b.closed.Load() {
		return Event{}, types.NewError(types.ErrServiceUnavailable, "bus is closed")
	}

	evt = evt.sealed()

	if b.log != nil {
		if err := b.log.Append(ctx, evt); err != nil {
			b.logger.Warn("durable log append failed",
				zap.String("topic", evt.Topic),
				zap.String("event_id", evt.ID),
				zap.Error(err),
			)
		}
	}

	subscribers := b.router.Match(evt.Topic)
	now := time.Now()
	delivered := 0

	b.mu.RLock()
	for _, id := range subscribers {
		q, ok := b.queues[id]
		if !ok {
			continue
		}
		accepted, evicted := q.Push(delivery{evt: evt, enqueued: now})
		if !accepted {
			continue
		}
		delivered++
		if evicted {
			b.logger.Warn("subscriber queue full, dropped oldest event",
				zap.String("subscriber_id", id),
				zap.String("topic", evt.Topic),
			)
			if b.observer != nil {
				b.observer.EventDropped(evt.Topic)
			}
		}
	}
	b.mu.RUnlock()

	b.countMu.Lock()
	b.published[evt.Topic]++
	b.countMu.Unlock()

	if b.observer != nil {
		b.observer.EventPublished(evt.Topic, delivered)
	}

	b.logger.Debug("event published",
		zap.String("topic", evt.Topic),
		zap.String("event_id", evt.ID),
		zap.Int("deliveries", delivered),
	)
	return evt, nil
}

// Subscribe registers interest of subscriberID in topics matching
// topicPattern. One subscriber may hold many subscriptions; each event is
// delivered to a subscriber at most once per publish.
func (b *Bus) Subscribe(subscriberID, topicPattern string) (Subscription, error) {
	if subscriberID == "" {
		return Subscription{}, types.NewError(types.ErrInvalidRequest, "subscriber id is empty")
	}
	p, err := pattern.Compile(topicPattern)
	if err != nil {
		return Subscription{}, err
	}
	if b.closed.Load() {
		return Subscription{}, types.NewError(types.ErrServiceUnavailable, "bus is closed")
	}

	sub := Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Pattern:      topicPattern,
		CreatedAt:    time.Now().UTC(),
	}

	// b.mu is held across the router update so Unsubscribe cannot remove
	// the queue between the check and the Add.
	b.mu.Lock()
	if _, ok := b.queues[subscriberID]; !ok {
		b.queues[subscriberID] = queue.New[delivery](b.capacity)
	}
	b.router.Add(sub, p)
	b.mu.Unlock()

	b.logger.Debug("subscription added",
		zap.String("subscription_id", sub.ID),
		zap.String("subscriber_id", subscriberID),
		zap.String("pattern", topicPattern),
	)
	return sub, nil
}

// Unsubscribe removes a subscription. Removing an unknown or already removed
// handle is a no-op. Events already queued for the subscriber stay pollable.
func (b *Bus) Unsubscribe(handleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.router.Remove(handleID)
	if !ok || b.router.Has(sub.SubscriberID) {
		return
	}
	if q, ok := b.queues[sub.SubscriberID]; ok && q.Len() == 0 {
		q.Close()
		delete(b.queues, sub.SubscriberID)
	}
}


// Poll returns a lazy sequence of at most maxItems pending events for
// subscriberID. Each event is removed from the queue as the sequence yields
// it. maxItems <= 0 yields the events pending when iteration starts.
func (b *Bus) Poll(subscriberID string, maxItems int) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		q := b.queue(subscriberID)
		if q == nil {
			return
		}
		limit := maxItems
		if limit <= 0 {
			limit = q.Len()
		}
		for i := 0; i < limit; i++ {
			d, ok := q.Pop()
			if !ok {
				return
			}
			if b.observer != nil {
				b.observer.EventDelivered(d.evt.Topic, time.Since(d.enqueued))
			}
			if !yield(d.evt) {
				return
			}
		}
	}
}

// Drain collects Poll into a slice.
func (b *Bus) Drain(subscriberID string, maxItems int) []Event {
	events := slices.Collect(b.Poll(subscriberID, maxItems))
	if events == nil {
		return []Event{}
	}
	return events
}

// Wait blocks until subscriberID has a pending event or ctx is done.
func (b *Bus) Wait(ctx context.Context, subscriberID string) error {
	q := b.queue(subscriberID)
	if q == nil {
		return types.NewNotFoundError("subscriber", subscriberID)
	}
	return q.Wait(ctx)
}

// Pending returns the queue depth of subscriberID.
func (b *Bus) Pending(subscriberID string) int {
	q := b.queue(subscriberID)
	if q == nil {
		return 0
	}
	return q.Len()
}

// Subscriptions lists the live subscriptions of subscriberID, or all of them
// when subscriberID is empty.
func (b *Bus) Subscriptions(subscriberID string) []Subscription {
	return b.router.Subscriptions(subscriberID)
}

// Replay reads previously published events back from the durable log.
func (b *Bus) Replay(ctx context.Context, topic, afterID string, limit int) ([]Event, error) {
	if b.log == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "durable log not configured")
	}
	if !pattern.ValidateName(topic) {
		return nil, types.Errorf(types.ErrInvalidTopic, "topic %q is malformed", topic)
	}
	return b.log.Replay(ctx, topic, afterID, limit)
}

// Stats returns a snapshot of subscriptions, queue depths and per-topic
// publish counts.
func (b *Bus) Stats() Stats {
	st := Stats{
		Subscriptions: b.router.Count(),
		Published:     make(map[string]int64),
		QueueDepth:    make(map[string]int),
		Dropped:       make(map[string]int64),
	}

	b.countMu.Lock()
	for topic, n := range b.published {
		st.Published[topic] = n
	}
	b.countMu.Unlock()

	b.mu.RLock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		q := b.queues[id]
		st.QueueDepth[id] = q.Len()
		if d := q.Dropped(); d > 0 {
			st.Dropped[id] = d
		}
	}
	st.Subscribers = len(ids)
	b.mu.RUnlock()

	return st
}

// Close stops the bus. Queued events remain pollable; publishing fails.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	for _, q := range b.queues {
		q.Close()
	}
	b.mu.Unlock()

	if b.log != nil {
		return b.log.Close()
	}
	return nil
}

func (b *Bus) queue(subscriberID string) *queue.Queue[delivery] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues[subscriberID]
}
