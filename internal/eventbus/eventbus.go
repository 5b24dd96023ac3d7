// Package eventbus implements the sequenced, topic-addressed fan-out
// contract of spec.md §4.6, component C6. It is the in-process half of the
// "typed work channels" design note of spec.md §9: each topic gets its own
// monotonically increasing sequence counter, assigned under the same lock
// as the publish, in the channel-streaming idiom of
// other_examples/b5dce33c_mkhoshkam-orderbook's TradeStream/PriceUpdates
// broadcaster, generalized from fixed named channels to arbitrary topics.
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"ragnarok/internal/clock"
)

// EventType names the kind of payload carried by an Envelope.
type EventType string

const (
	OrderbookUpdate EventType = "orderbook_update"
	TradeExecuted   EventType = "trade_executed"
	OrderPlaced     EventType = "order_placed"
	OrderCancelled  EventType = "order_cancelled"
	MarketUpdated   EventType = "market_updated"
	BalanceUpdated  EventType = "balance_updated"
	PositionUpdated EventType = "position_updated"
	Heartbeat       EventType = "heartbeat"
)

// Envelope is one message on the bus.
type Envelope struct {
	Topic        string
	Type         EventType
	Timestamp    time.Time
	Sequence     uint64
	LastSequence uint64
	Payload      any
}

const subscriberBuffer = 64

// EventBus is a sequenced, topic-addressed broadcast channel. Publication is
// serialized per topic. Delivery to subscribers is best-effort: an envelope
// that does not fit in a subscriber's buffer is dropped and not redelivered,
// so a subscriber sees the gap only through the sequence numbers.
type EventBus struct {
	mu    sync.Mutex
	seq   map[string]uint64
	subs  map[string][]chan Envelope
	clock clock.Clock
}

// New constructs an empty EventBus.
func New(c clock.Clock) *EventBus {
	if c == nil {
		c = clock.NewSystem()
	}
	return &EventBus{
		seq:   make(map[string]uint64),
		subs:  make(map[string][]chan Envelope),
		clock: c,
	}
}

// Publish assigns the next sequence number for topic and fans the envelope
// out to every current subscriber. For a subscriber whose buffer is full
// the envelope is dropped (the subscription itself stays registered) in
// favor of not blocking the publishing path, matching the
// "skip if channel is full" idiom used throughout the pack's broadcasters.
func (b *EventBus) Publish(topic string, eventType EventType, payload any) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := b.seq[topic]
	next := last + 1
	b.seq[topic] = next

	env := Envelope{
		Topic:        topic,
		Type:         eventType,
		Timestamp:    b.clock.Now(),
		Sequence:     next,
		LastSequence: last,
		Payload:      payload,
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- env:
		default:
			log.Warn().Str("topic", topic).Msg("subscriber buffer full, dropping envelope")
		}
	}
	return env
}

// Subscribe registers a new receiver for topic. The returned function
// unsubscribes and closes the channel; a subscriber disconnect drops its
// subscription and retains no further server state, per spec.md §5.
func (b *EventBus) Subscribe(topic string) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, subscriberBuffer)
	b.subs[topic] = append(b.subs[topic], ch)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// LastSequence returns the most recently assigned sequence number for
// topic, so a caller can detect a gap on resubscribe.
func (b *EventBus) LastSequence(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[topic]
}

// StartHeartbeat supervises a ticker, under t, that publishes a heartbeat
// envelope to every topic returned by topics() on each tick, matching the
// ticker-driven broadcaster idiom of the pack (e.g. mkhoshkam-orderbook's
// StartPriceBroadcaster).
func (b *EventBus) StartHeartbeat(t *tomb.Tomb, topics func() []string, interval time.Duration) {
	t.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				for _, topic := range topics() {
					b.Publish(topic, Heartbeat, nil)
				}
			}
		}
	})
}
