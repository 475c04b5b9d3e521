// Package notify is a best-effort publish/subscribe bus on Redis channels.
// Delivery is at-most-once: a subscriber that is not listening misses the event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

// GlobalTopic carries new_support_request and queue events for dashboards
const GlobalTopic = "notifications"

// ChatTopic is the per-session topic
func ChatTopic(sessionID string) string {
	return "chat:" + sessionID
}

// Bus publishes and subscribes events
type Bus struct {
	rdb    redis.UniversalClient
	prefix string
	logger *logger.Logger
}

// NewBus creates a bus whose Redis channels are named prefix + topic
func NewBus(rdb redis.UniversalClient, prefix string, log *logger.Logger) *Bus {
	return &Bus{
		rdb:    rdb,
		prefix: prefix,
		logger: log.Named("notify"),
	}
}

// Publish sends event to every current subscriber of topic
func (b *Bus) Publish(ctx context.Context, topic string, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish (topic=%s): %v", model.ErrStoreUnavailable, topic, err)
	}
	return nil
}

// Subscription is a live subscription to one topic
type Subscription struct {
	ps     *redis.PubSub
	events chan model.Event
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Subscribe starts listening on topic. The subscription is confirmed before
// returning, so events published afterwards are received. The Events channel
// closes when ctx is done or Close is called.
func (b *Bus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe (topic=%s): %v", model.ErrStoreUnavailable, topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ps:     ps,
		events: make(chan model.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.forward(ctx, topic, sub)
	return sub, nil
}

func (b *Bus) forward(ctx context.Context, topic string, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.events)
	defer sub.ps.Close()

	msgs := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("Dropping malformed event",
					logger.String("topic", topic),
					logger.Error(err))
				continue
			}
			select {
			case sub.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Events returns the stream of received events
func (s *Subscription) Events() <-chan model.Event {
	return s.events
}

// Close stops the subscription and waits for the forwarder to exit
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
