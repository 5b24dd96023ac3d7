package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragnarok/internal/clock"
)

func TestPublishAssignsIncreasingSequencePerTopic(t *testing.T) {
	b := New(clock.NewManual(time.Now()))

	first := b.Publish("market:1", OrderPlaced, "a")
	second := b.Publish("market:1", OrderPlaced, "b")
	other := b.Publish("market:2", OrderPlaced, "c")

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(1), second.LastSequence)
	assert.Equal(t, uint64(1), other.Sequence, "sequence counters are independent per topic")
}

func TestSubscribeReceivesSubsequentPublishes(t *testing.T) {
	b := New(clock.NewManual(time.Now()))
	ch, unsubscribe := b.Subscribe("market:1")
	defer unsubscribe()

	b.Publish("market:1", TradeExecuted, 42)

	select {
	case env := <-ch:
		assert.Equal(t, TradeExecuted, env.Type)
		assert.Equal(t, 42, env.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected envelope was not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(clock.NewManual(time.Now()))
	ch, unsubscribe := b.Subscribe("market:1")
	unsubscribe()

	b.Publish("market:1", TradeExecuted, 1)

	_, open := <-ch
	assert.False(t, open, "the channel must be closed on unsubscribe")
}

func TestLastSequenceReflectsMostRecentPublish(t *testing.T) {
	b := New(clock.NewManual(time.Now()))
	assert.Equal(t, uint64(0), b.LastSequence("market:1"))

	b.Publish("market:1", Heartbeat, nil)
	b.Publish("market:1", Heartbeat, nil)

	assert.Equal(t, uint64(2), b.LastSequence("market:1"))
}

func TestPublishDoesNotBlockOnAFullSubscriber(t *testing.T) {
	b := New(clock.NewManual(time.Now()))
	_, unsubscribe := b.Subscribe("market:1")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish("market:1", Heartbeat, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must drop envelopes rather than block when a subscriber buffer is full")
	}
	require.Equal(t, uint64(subscriberBuffer+10), b.LastSequence("market:1"))
}
