// Package distributed publishes call events across nodes over Redis pub/sub.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

const DefaultChannel = "xipher:events"

// Envelope is one call event as seen on the bus.
type Envelope struct {
	InstanceID  string           `json:"instance_id"`
	Node        domain.UserID    `json:"node"`
	PublishedAt time.Time        `json:"published_at"`
	Event       domain.CallEvent `json:"event"`
}

// EventBus fans call events out to other nodes. It satisfies ports.Notifier.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	node       domain.UserID
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

var _ ports.Notifier = (*EventBus)(nil)

func NewEventBus(client redis.UniversalClient, instanceID string, node domain.UserID, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		node:       node,
		channel:    DefaultChannel,
		logger:     logger,
		now:        time.Now,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event domain.CallEvent) error {
	data, err := json.Marshal(Envelope{
		InstanceID:  eb.instanceID,
		Node:        eb.node,
		PublishedAt: eb.now(),
		Event:       event,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	eb.logger.Debugw("published event", "type", event.Type, "call_id", event.CallID)
	return nil
}

// Notify publishes on a best-effort basis.
func (eb *EventBus) Notify(ctx context.Context, event domain.CallEvent) {
	if err := eb.Publish(ctx, event); err != nil {
		eb.logger.Warnw("call event not published", "type", event.Type, "call_id", event.CallID, "error", err)
	}
}

// Subscribe delivers events from other instances to handler until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Envelope)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(payload string, handler func(*Envelope)) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return
	}
	if env.InstanceID == eb.instanceID {
		return
	}
	handler(&env)
}
