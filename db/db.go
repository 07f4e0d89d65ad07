// Package db implements the server's shared, in-memory key/value state:
// a concurrent map with TTL expiration and a lazily-created pub/sub
// channel registry, backing a background expiration worker.
package db

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/parkcheolu/mini-redis/pubsub"
)

// Recorder receives observability hooks from a Database. Implementations
// must be safe for concurrent use; nil hooks in Database are simply not
// called.
type Recorder interface {
	KeyExpired()
	MessageDelivered()
}

// Entry is one stored value.
type Entry struct {
	ID        uint64
	Data      []byte
	ExpiresAt time.Time // zero Time means no expiry
}

type expiration struct {
	deadline time.Time
	id       uint64
	key      string
}

func expirationLess(a, b expiration) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.id < b.id
}

// shared is the mutex-protected innards of a Database. Database is the
// handle callers hold; shared is never exposed directly.
type shared struct {
	mu          sync.Mutex
	entries     map[string]Entry
	pubsub      map[string]*pubsub.Topic
	expirations *btree.BTreeG[expiration]
	nextID      uint64
	closed      bool

	notify   *notifier
	recorder Recorder
}

// Database is a handle to the shared state. It is cheap to copy and
// safe to call from any number of goroutines concurrently.
type Database struct {
	s *shared
}

// Option configures a Database at construction time.
type Option func(*shared)

// WithRecorder attaches observability hooks fired on key expiration and
// pub/sub delivery.
func WithRecorder(r Recorder) Option {
	return func(s *shared) { s.recorder = r }
}

// New creates a Database and starts its background expiration worker.
// Close must be called once the database is no longer needed so the
// worker can exit.
func New(opts ...Option) *Database {
	s := &shared{
		entries:     make(map[string]Entry),
		pubsub:      make(map[string]*pubsub.Topic),
		expirations: btree.NewG(32, expirationLess),
		notify:      newNotifier(),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.expireLoop()
	return &Database{s: s}
}

// Close tears the database down: it sets the shutdown flag and wakes
// the expiration worker so it exits.
func (d *Database) Close() {
	d.s.mu.Lock()
	d.s.closed = true
	d.s.mu.Unlock()
	d.s.notify.signal()
}

// Get returns the current value for key, or (nil, false) if absent or
// already past its deadline. Expiration is treated as eager even ahead
// of the background worker: a reader never observes a value past its
// deadline.
func (d *Database) Get(key string) ([]byte, bool) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(time.Now()) {
		return nil, false
	}
	out := make([]byte, len(e.Data))
	copy(out, e.Data)
	return out, true
}

// Set replaces any prior entry for key, assigning it a new id. A nil
// ttl means no expiry; a non-nil ttl of zero means the key is already
// expired (the worker will remove it promptly).
func (d *Database) Set(key string, value []byte, ttl *time.Duration) {
	s := d.s
	s.mu.Lock()

	id := s.nextID
	s.nextID++

	var deadline time.Time
	notify := false
	if ttl != nil {
		deadline = time.Now().Add(*ttl)
		if min, ok := s.expirations.Min(); !ok || deadline.Before(min.deadline) {
			notify = true
		}
		s.expirations.ReplaceOrInsert(expiration{deadline: deadline, id: id, key: key})
	}

	prev, hadPrev := s.entries[key]
	s.entries[key] = Entry{ID: id, Data: value, ExpiresAt: deadline}
	if hadPrev && !prev.ExpiresAt.IsZero() {
		s.expirations.Delete(expiration{deadline: prev.ExpiresAt, id: prev.ID, key: key})
	}

	s.mu.Unlock()
	if notify {
		s.notify.signal()
	}
}

// Subscribe returns a new subscriber for channel, creating the
// channel's topic lazily.
func (d *Database) Subscribe(channel string) *pubsub.Subscription {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.pubsub[channel]
	if !ok {
		topic = pubsub.NewTopic()
		s.pubsub[channel] = topic
	}
	return topic.Subscribe()
}

// Unsubscribe removes sub from channel's topic and drops the topic
// from the registry once its last subscriber is gone.
func (d *Database) Unsubscribe(channel string, sub *pubsub.Subscription) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.pubsub[channel]
	if !ok {
		return
	}
	topic.Unsubscribe(sub)
	if topic.SubscriberCount() == 0 {
		delete(s.pubsub, channel)
	}
}

// Publish delivers message to channel's current subscribers and
// returns the count observed at send time, or 0 if the channel does
// not currently exist.
func (d *Database) Publish(channel string, message []byte) int {
	s := d.s
	s.mu.Lock()
	topic, ok := s.pubsub[channel]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	n := topic.Publish(message)
	if s.recorder != nil {
		for i := 0; i < n; i++ {
			s.recorder.MessageDelivered()
		}
	}
	return n
}

// expireLoop is the background expiration worker: one goroutine per
// Database, running until Close is called.
func (s *shared) expireLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.removeExpiredLocked(time.Now())
		s.mu.Unlock()

		if next.IsZero() {
			<-s.notify.C()
			continue
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
		case <-s.notify.C():
			timer.Stop()
		}
	}
}

// removeExpiredLocked removes every entry whose deadline has passed
// and returns the next pending deadline, or the zero Time if none
// remains. s.mu must be held.
func (s *shared) removeExpiredLocked(now time.Time) time.Time {
	var due []expiration
	s.expirations.Ascend(func(e expiration) bool {
		if e.deadline.After(now) {
			return false
		}
		due = append(due, e)
		return true
	})

	for _, e := range due {
		s.expirations.Delete(e)
		if entry, ok := s.entries[e.key]; ok && entry.ID == e.id {
			delete(s.entries, e.key)
			if s.recorder != nil {
				s.recorder.KeyExpired()
			}
		}
	}

	if min, ok := s.expirations.Min(); ok {
		return min.deadline
	}
	return time.Time{}
}
