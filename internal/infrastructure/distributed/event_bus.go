package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiefile/internal/core/domain"
	"zombiefile/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

// EventRelay carries a relay message for connections held by another instance.
const EventRelay EventType = "relay.message"

const defaultChannel = "zombiefile:events"

// Event represents a distributed event
type Event struct {
	Type       EventType             `json:"type"`
	InstanceID string                `json:"instance_id"`
	Timestamp  time.Time             `json:"timestamp"`
	RoomID     domain.RoomID         `json:"room_id,omitempty"`
	Targets    []domain.ConnectionID `json:"targets,omitempty"`
	Payload    json.RawMessage       `json:"payload,omitempty"`
}

// EventBus lets relay instances sharing one Redis deliver messages to
// connections they do not hold themselves.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channel    string

	// publishing goes through the breaker so a dead Redis fails relay
	// delivery fast instead of stalling every message
	breaker *circuitbreaker.CircuitBreaker
	publish func(ctx context.Context, channel string, data []byte) error
}

// NewEventBus creates a new event bus
func NewEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    defaultChannel,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
	eb.publish = func(ctx context.Context, channel string, data []byte) error {
		return eb.client.Publish(ctx, channel, data).Err()
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		eb.logger.Warnw("Event bus circuit breaker changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return eb
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return eb.publish(ctx, eb.channel, data)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"targets", len(event.Targets),
	)

	return nil
}

// Subscribe calls handler for every event published by other instances until
// ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// PublishRelay forwards an encoded relay message to connections on other instances.
func (eb *EventBus) PublishRelay(ctx context.Context, roomID domain.RoomID, targets []domain.ConnectionID, payload []byte) error {
	return eb.Publish(ctx, &Event{
		Type:    EventRelay,
		RoomID:  roomID,
		Targets: targets,
		Payload: payload,
	})
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

func decodeEvent(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	return &event, nil
}
