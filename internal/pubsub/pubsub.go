// Package pubsub is an in-process topic broker. Events fan out to every
// subscriber of a topic; a subscriber whose buffer is full misses the event
// rather than blocking the publisher.
package pubsub

import (
	"fmt"
	"sync"
)

const subBufSize = 64

// Event is one published message.
type Event struct {
	Topic   string
	Type    string
	Payload any
}

// Broker routes events by topic name.
type Broker struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[string][]chan Event)}
}

// Publish delivers an event to every current subscriber of the topic. Slow
// subscribers are skipped, never waited on.
func (b *Broker) Publish(topic, eventType string, payload any) {
	b.mu.Lock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- Event{Topic: topic, Type: eventType, Payload: payload}:
		default: // slow consumer: drop rather than block
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a channel of events for a topic and a cancel func that
// must be called when the subscriber is done.
func (b *Broker) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, subBufSize)
	b.subs[topic] = append(b.subs[topic], c)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[topic]
		for i, s := range chans {
			if s == c {
				b.subs[topic] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		close(c)
	}
	return c, cancel
}

// SubscriberCount reports live subscriptions on a topic, for metrics.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// UserTopic names the per-user notification stream.
func UserTopic(userID int64) string {
	return fmt.Sprintf("notifications:user:%d", userID)
}

// FeedTopic names the per-user home feed stream.
func FeedTopic(userID int64) string {
	return fmt.Sprintf("feed:user:%d", userID)
}
