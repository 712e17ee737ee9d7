package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cadforge/cadforge/pkg/metrics"
)

// DefaultBacklog is the per-subscriber buffered-channel capacity used when
// the configured backlog is zero or negative.
const DefaultBacklog = 1024

// Bus is the in-process pub/sub hub. One Bus instance serves the whole
// orchestrator; construction happens at startup and the value is passed
// explicitly to every publisher.
type Bus struct {
	backlog int

	mu     sync.RWMutex
	subs   map[string][]*Subscription // topic → subscriptions
	closed bool
}

// NewBus creates a bus whose subscribers buffer up to backlog events.
func NewBus(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		backlog: backlog,
		subs:    make(map[string][]*Subscription),
	}
}

// Subscription is one subscriber's cold stream of a topic's events.
type Subscription struct {
	topic string
	ch    chan Event
	bus   *Bus

	// Events dropped since the last lagging notice. Guarded by dropMu, not
	// the bus lock, so Publish never contends across subscribers.
	dropMu  sync.Mutex
	dropped int64

	closeOnce sync.Once
}

// Events returns the subscriber's stream. The channel is closed by
// Subscription.Close or Bus.Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Safe to call
// multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.detach(s)
		close(s.ch)
	})
}

// Subscribe registers a new subscriber for a topic. The stream is cold:
// only events published after Subscribe are delivered.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, b.backlog),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// A subscription on a closed bus yields an already-closed stream.
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers the event to every subscriber of the topic without ever
// blocking. A subscriber whose backlog is full loses the event; the loss is
// surfaced to that subscriber as a SubscriberLaggingPayload once it has
// drained enough to accept one.
func (b *Bus) Publish(topic string, ev Event) {
	metrics.EventsPublished.WithLabelValues(string(ev.EventKind())).Inc()

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(topic, ev)
	}
}

func (s *Subscription) deliver(topic string, ev Event) {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()

	// A prior drop means the stream has a gap; the lagging notice must land
	// before any further events so the subscriber sees the gap in order.
	if s.dropped > 0 {
		notice := SubscriberLaggingPayload{
			Topic:     topic,
			Dropped:   s.dropped,
			Timestamp: time.Now().Format(time.RFC3339Nano),
		}
		select {
		case s.ch <- notice:
			s.dropped = 0
		default:
			s.dropped++
			metrics.EventsDropped.Inc()
			return
		}
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped++
		metrics.EventsDropped.Inc()
		slog.Debug("Event dropped for lagging subscriber",
			"topic", topic, "kind", ev.EventKind())
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close closes every subscription and rejects future publishes silently.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*Subscription, 0)
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}
