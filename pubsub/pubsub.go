// Package pubsub implements a bounded, broadcast-style channel: every
// message published is fanned out to every subscriber present at
// publish time, with a fixed per-subscriber buffer. A subscriber that
// falls behind has its backlog dropped and resyncs to the newest
// message, with a lag marker queued directly ahead of it.
package pubsub

import "sync"

// Capacity is the fixed buffer size of every subscriber's delivery
// queue.
const Capacity = 1024

// Delivery is one item read off a Subscription. Lagged deliveries carry
// no payload: they mark that the buffer overflowed and one or more
// messages were dropped before this point, without closing the
// subscription.
type Delivery struct {
	Payload []byte
	Lagged  bool
}

// Topic is a named broadcast channel. The zero value is not usable;
// use NewTopic.
type Topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewTopic() *Topic {
	return &Topic{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber and returns its receiving end.
func (t *Topic) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Delivery, Capacity)}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the topic. Safe to call more than once
// for the same Subscription.
func (t *Topic) Unsubscribe(sub *Subscription) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// SubscriberCount reports the current number of live subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish fans payload out to every current subscriber without
// blocking on any of them, and returns the subscriber count observed
// at send time. That count is a hint, not a delivery guarantee.
func (t *Topic) Publish(payload []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		sub.deliver(payload)
	}
	return len(t.subs)
}

// Subscription is one subscriber's view of a Topic: a bounded,
// in-order queue of Delivery values. Exclusive to the goroutine
// reading it.
type Subscription struct {
	ch chan Delivery
}

// C returns the channel to range or select over.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// deliver enqueues payload. When the buffer is full, every item
// currently queued is dropped and replaced with a lag marker followed
// by payload, so the reader resyncs to the newest message instead of
// working through a backlog of stale ones with the marker buried
// behind it. It never blocks.
func (s *Subscription) deliver(payload []byte) {
	select {
	case s.ch <- Delivery{Payload: payload}:
		return
	default:
	}

	for drained := false; !drained; {
		select {
		case <-s.ch:
		default:
			drained = true
		}
	}

	// Only Publish, under the topic lock, sends on s.ch, so after the
	// drain both sends below find room; the default cases keep deliver
	// non-blocking regardless.
	select {
	case s.ch <- Delivery{Lagged: true}:
	default:
	}
	select {
	case s.ch <- Delivery{Payload: payload}:
	default:
	}
}
