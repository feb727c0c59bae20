// Package eventbus is the in-process pub/sub hub described in spec §4.C.
// It generalises the teacher's websocket.Hub register/unregister/broadcast
// actor loop from one implicit broadcast topic to many named topics, while
// keeping its core promise: publishers never block on slow subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

const (
	// Firehose receives every event regardless of device.
	Firehose = "*"

	defaultQueueSize = 1024
)

// DeviceTopic returns the per-device topic name for deviceID.
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// Subscription is a bounded, per-subscriber outbound queue for one or more
// topics. Overflow drops the oldest buffered event and advances Dropped,
// favouring liveness over completeness for slow consumers (spec §4.C, §8
// property 6).
type Subscription struct {
	id      uint64
	topics  map[string]struct{}
	mu      sync.Mutex
	events  chan domain.Event
	Dropped atomic.Uint64
}

// Events returns the channel subscribers should range over to receive
// published events.
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

func (s *Subscription) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// AddTopic adds topic to this subscription's interest set.
func (s *Subscription) AddTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

// RemoveTopic removes topic from this subscription's interest set.
func (s *Subscription) RemoveTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

func (s *Subscription) enqueue(ev domain.Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		// Queue full: drop the oldest buffered event and retry, rather
		// than dropping the publisher's event or blocking it.
		select {
		case <-s.events:
			s.Dropped.Add(1)
		default:
			// Raced with a consumer draining the channel; try again.
		}
	}
}

// Bus is the hub. The subscriber table is guarded by a RWMutex; reads
// (Publish) take the read lock so publishers never serialise against each
// other, only against registration changes.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe creates a Subscription already interested in topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topics: make(map[string]struct{}, len(topics)),
		events: make(chan domain.Event, defaultQueueSize),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub from the bus and stops delivering to it.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// Publish is non-blocking: it never waits on a subscriber's consumer.
// The event is delivered to every subscription interested in topic and to
// every subscription interested in Firehose.
func (b *Bus) Publish(topic string, ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.subscribed(Firehose) || sub.subscribed(topic) {
			sub.enqueue(ev)
		}
	}
}
