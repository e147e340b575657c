package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	a, cancelA := b.Subscribe("t")
	defer cancelA()
	c, cancelC := b.Subscribe("t")
	defer cancelC()

	b.Publish("t", "ping", 42)

	for _, ch := range []<-chan Event{a, c} {
		ev := recv(t, ch)
		assert.Equal(t, "t", ev.Topic)
		assert.Equal(t, "ping", ev.Type)
		assert.Equal(t, 42, ev.Payload)
	}
}

func TestTopicsIsolated(t *testing.T) {
	b := New()
	a, cancel := b.Subscribe("a")
	defer cancel()

	b.Publish("b", "ping", nil)

	select {
	case <-a:
		t.Fatal("event leaked across topics")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New()
	slow, cancelSlow := b.Subscribe("t")
	defer cancelSlow()
	fast, cancelFast := b.Subscribe("t")
	defer cancelFast()

	// Overflow the slow subscriber's buffer without draining it. Publish
	// must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subBufSize+10; i++ {
			b.Publish("t", "ping", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The slow channel holds exactly its buffer; the overflow was dropped.
	assert.Len(t, slow, subBufSize)

	// Drain the fast subscriber; it was full too, same drop behavior.
	assert.Len(t, fast, subBufSize)
}

func TestCancelUnsubscribes(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("t")
	require.Equal(t, 1, b.SubscriberCount("t"))

	cancel()
	assert.Zero(t, b.SubscriberCount("t"))

	// The channel is closed after cancel.
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing to a topic with no subscribers is a no-op.
	b.Publish("t", "ping", nil)
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "notifications:user:7", UserTopic(7))
	assert.Equal(t, "feed:user:7", FeedTopic(7))
}
