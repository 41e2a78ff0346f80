package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Bus is the cross-instance pub/sub bridge. Channel-scoped events publish
// under ws:ch:<channel_id>; user-scoped events under ws:user:<user_id>.
// When rdb is nil the bus is a no-op and the gateway runs single-instance.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func ChannelTopic(channelID string) string { return "ws:ch:" + channelID }
func UserTopic(userID string) string       { return "ws:user:" + userID }

// Publish is fire-and-forget: failures are logged by the caller, never
// escalated — cross-instance fan-out never blocks the sender.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.rdb == nil {
		return nil
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscription wraps a redis.PubSub with automatic resubscription support:
// the gateway keeps the topic set here and calls Resubscribe after a
// reconnect to the bus restores every tracked subscription.
type Subscription struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	topics map[string]bool
}

// Subscribe opens (or lazily no-ops, if rdb is nil) a subscription the
// gateway's single subscriber task reads from.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) *Subscription {
	s := &Subscription{rdb: b.rdb, topics: make(map[string]bool)}
	for _, t := range topics {
		s.topics[t] = true
	}
	if b.rdb != nil {
		s.ps = b.rdb.Subscribe(ctx, topics...)
	}
	return s
}

func (s *Subscription) Add(ctx context.Context, topic string) error {
	s.topics[topic] = true
	if s.ps == nil {
		return nil
	}
	return s.ps.Subscribe(ctx, topic)
}

func (s *Subscription) Remove(ctx context.Context, topic string) error {
	delete(s.topics, topic)
	if s.ps == nil {
		return nil
	}
	return s.ps.Unsubscribe(ctx, topic)
}

// Channel returns the delivery channel for this subscription. nil if
// running single-instance.
func (s *Subscription) Channel() <-chan *redis.Message {
	if s.ps == nil {
		return nil
	}
	return s.ps.Channel()
}

// Resubscribe reopens the underlying redis.PubSub against every
// currently-tracked topic, used after a bus reconnect.
func (s *Subscription) Resubscribe(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.ps = s.rdb.Subscribe(ctx, topics...)
	return nil
}

func (s *Subscription) Close() error {
	if s.ps == nil {
		return nil
	}
	return s.ps.Close()
}
