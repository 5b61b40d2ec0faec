package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "consultnet:room-events"

var ErrAlreadySubscribed = errors.New("already subscribed")

// Event is the cross-instance form of a room event. It carries identifiers
// and lifecycle state only, never display names.
type Event struct {
	Type         domain.RoomEventType `json:"type"`
	InstanceID   string               `json:"instance_id"`
	Timestamp    time.Time            `json:"timestamp"`
	RoomID       domain.RoomID        `json:"room_id"`
	Generation   uint64               `json:"generation"`
	State        domain.RoomState     `json:"state"`
	Participants int                  `json:"participants"`
	Reason       domain.EndReason     `json:"reason,omitempty"`
}

func EventFromRoomEvent(evt domain.RoomEvent) *Event {
	return &Event{
		Type:         evt.Type,
		Timestamp:    evt.At,
		RoomID:       evt.Room.ID,
		Generation:   evt.Room.Generation,
		State:        evt.Room.State,
		Participants: len(evt.Room.Participants),
		Reason:       evt.Reason,
	}
}

// EventBus publishes this instance's room events on a Redis channel and
// delivers the events of other instances to a handler.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	queue      chan *Event
	pubsub     atomic.Pointer[redis.PubSub]
	dropped    atomic.Int64
	logger     *zap.SugaredLogger
}

// NewEventBus creates a bus on channel. Events queue up to queueSize
// before being dropped.
func NewEventBus(client *redis.Client, instanceID, channel string, queueSize int, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		queue:      make(chan *Event, queueSize),
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// HandleRoomEvent queues the event for publication without blocking the
// registry.
func (eb *EventBus) HandleRoomEvent(evt domain.RoomEvent) {
	select {
	case eb.queue <- EventFromRoomEvent(evt):
	default:
		eb.dropped.Add(1)
		eb.logger.Warnw("event bus queue full, dropping room event",
			"room_id", evt.Room.ID,
			"type", evt.Type,
		)
	}
}

// RunPublisher publishes queued events until ctx is cancelled.
func (eb *EventBus) RunPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.queue:
			if err := eb.Publish(ctx, event); err != nil {
				eb.logger.Warnw("failed to publish room event",
					"room_id", event.RoomID,
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Publish sends one event immediately
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	ctx, span := tracing.TraceRedisOperation(ctx, "publish", eb.channel)
	defer span.End()

	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published room event",
		"type", event.Type,
		"room_id", event.RoomID,
	)
	return nil
}

// Subscribe calls handler for every event published by other instances
// until ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	if !eb.pubsub.CompareAndSwap(nil, pubsub) {
		pubsub.Close()
		return ErrAlreadySubscribed
	}
	defer func() {
		eb.pubsub.Store(nil)
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

// dispatch decodes one message and hands it to handler unless this instance
// sent it. It reports whether handler was called.
func (eb *EventBus) dispatch(payload string, handler func(*Event) error) bool {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return false
	}

	if event.InstanceID == eb.instanceID {
		return false
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
	}
	return true
}

// Close closes the subscription
func (eb *EventBus) Close() error {
	if pubsub := eb.pubsub.Load(); pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
