package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/types"
)

const (
	// maxPollWait caps the wait query parameter of a poll.
	maxPollWait = 30 * time.Second
	// streamBatch bounds events written per wake-up of a stream.
	streamBatch = 64
	// streamWriteTimeout bounds one WebSocket frame write.
	streamWriteTimeout = 10 * time.Second
)

// EventBus is the publish/subscribe surface of the message bus.
type EventBus interface {
	Publish(ctx context.Context, evt bus.Event) (bus.Event, error)
	Subscribe(subscriberID, topicPattern string) (bus.Subscription, error)
	Unsubscribe(handleID string)
	Drain(subscriberID string, maxItems int) []bus.Event
	Wait(ctx context.Context, subscriberID string) error
	Subscriptions(subscriberID string) []bus.Subscription
	Replay(ctx context.Context, topic, afterID string, limit int) ([]bus.Event, error)
	Stats() bus.Stats
}

// EventHandler serves events, subscriptions and the live stream.
type EventHandler struct {
	bus            EventBus
	originPatterns []string
	logger         *zap.Logger
}

// PublishRequest is the body of POST /api/v1/events.
type PublishRequest struct {
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublisherID string         `json:"publisher_id,omitempty"`
}

// SubscribeRequest is the body of POST /api/v1/subscriptions.
type SubscribeRequest struct {
	SubscriberID string `json:"subscriber_id"`
	Pattern      string `json:"pattern"`
}

// NewEventHandler creates an EventHandler. originPatterns are the hosts
// allowed to open the WebSocket stream cross-origin.
func NewEventHandler(b EventBus, originPatterns []string, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		bus:            b,
		originPatterns: originPatterns,
		logger:         logger.With(zap.String("component", "event_handler")),
	}
}

// HandlePublish publishes one event.
// @Router /api/v1/events [post]
func (h *EventHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	evt, err := h.bus.Publish(r.Context(), bus.NewEvent(req.Topic, req.PublisherID, req.Payload))
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteCreated(w, evt)
}

// HandlePoll removes and returns up to max pending events of a subscriber
// @Summary Poll events
// @Description With wait set, blocks until an event is pending or the wait elapses
// @Tags event
// @Produce json
// @Param subscriber path string true "Subscriber ID"
// @Param max query int false "Maximum events, 0 for all pending"
// @Param wait query string false "Long-poll duration, e.g. 5s"
// @Success 200 {object} Response{data=[]bus.Event} "Events in publish order"
// @Router /api/v1/events/{subscriber} [get]
func (h *EventHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	subscriber := r.PathValue("subscriber")
	maxItems, err := queryInt(r, "max", 0)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}

	wait, ok := h.pollWait(w, r)
	if !ok {
		return
	}

	events := h.bus.Drain(subscriber, maxItems)
	if len(events) == 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		err := h.bus.Wait(ctx, subscriber)
		cancel()
		if types.IsCode(err, types.ErrNotFound) {
			writeErr(w, err, h.logger)
			return
		}
		events = h.bus.Drain(subscriber, maxItems)
	}
	WriteSuccess(w, events)
}

func (h *EventHandler) pollWait(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, true
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "wait must be a non-negative duration", h.logger)
		return 0, false
	}
	return min(wait, maxPollWait), true
}

// HandleSubscribe registers a subscription.
// @Router /api/v1/subscriptions [post]
func (h *EventHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	sub, err := h.bus.Subscribe(req.SubscriberID, req.Pattern)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteCreated(w, sub)
}

// HandleUnsubscribe removes a subscription. Unknown handles succeed.
// @Router /api/v1/subscriptions/{handle} [delete]
func (h *EventHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	h.bus.Unsubscribe(handle)
	WriteSuccess(w, map[string]string{"id": handle})
}

// HandleListSubscriptions lists subscriptions, filtered by ?subscriber=.
// @Router /api/v1/subscriptions [get]
func (h *EventHandler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.bus.Subscriptions(r.URL.Query().Get("subscriber"))
	if subs == nil {
		subs = []bus.Subscription{}
	}
	WriteSuccess(w, subs)
}

// HandleReplay reads a topic back from the durable log.
// @Router /api/v1/topics/{topic}/events [get]
func (h *EventHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	events, err := h.bus.Replay(r.Context(), r.PathValue("topic"), r.URL.Query().Get("after"), limit)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	if events == nil {
		events = []bus.Event{}
	}
	WriteSuccess(w, events)
}

// HandleStats returns subscription counts and queue depths.
// @Router /api/v1/bus/stats [get]
func (h *EventHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.bus.Stats())
}

// HandleStream upgrades to a WebSocket and pushes every event matching
// ?pattern= to the client as a JSON text frame. The subscription lives as
// long as the connection.
// @Router /api/v1/events/stream [get]
func (h *EventHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	subscriber := r.URL.Query().Get("subscriber")
	topicPattern := r.URL.Query().Get("pattern")
	if subscriber == "" || topicPattern == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "subscriber and pattern are required", h.logger)
		return
	}

	sub, err := h.bus.Subscribe(subscriber, topicPattern)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	defer h.bus.Unsubscribe(sub.ID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	log := h.logger.With(zap.String("subscriber_id", subscriber), zap.String("subscription_id", sub.ID))
	log.Debug("event stream opened", zap.String("pattern", topicPattern))

	// The stream is write-only; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	woke := false
	for {
		batch := h.bus.Drain(subscriber, streamBatch)
		for _, evt := range batch {
			if err := h.writeEvent(ctx, conn, evt); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
		// Wait only returns early with nothing queued once the bus is closed.
		if woke && len(batch) == 0 {
			conn.Close(websocket.StatusGoingAway, "bus closed")
			return
		}
		err := h.bus.Wait(ctx, subscriber)
		woke = err == nil
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("event stream closed")
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Warn("event stream wait failed", zap.Error(err))
			conn.Close(websocket.StatusInternalError, "subscription lost")
			return
		}
	}
}

func (h *EventHandler) writeEvent(ctx context.Context, conn *websocket.Conn, evt bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
