// Package bus is a small in-process publish/subscribe layer: named
// topics, each fanning out to buffered per-subscriber channels, with a
// receive-with-timeout on the subscriber side.
package bus

import (
	"sync"
	"time"
)

// Bus is a small in-process topic registry.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	subs []chan any
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// Publish delivers msg to every current subscriber of name without
// blocking; slow subscribers drop messages rather than stall a
// real-time publisher.
func (b *Bus) Publish(name string, msg any) {
	t := b.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ch chan any
	t  *topic
}

// Subscribe registers a new subscriber of name with the given inbox
// depth.
func (b *Bus) Subscribe(name string, depth int) *Subscription {
	t := b.topicFor(name)
	ch := make(chan any, depth)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return &Subscription{ch: ch, t: t}
}

// Receive blocks for up to timeout waiting for the next message, or
// returns ok=false on timeout. A non-positive timeout is a guaranteed
// non-blocking poll: a message already enqueued is always returned.
func (s *Subscription) Receive(timeout time.Duration) (msg any, ok bool) {
	if timeout <= 0 {
		select {
		case m := <-s.ch:
			return m, true
		default:
			return nil, false
		}
	}
	select {
	case m := <-s.ch:
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for i, ch := range s.t.subs {
		if ch == s.ch {
			s.t.subs = append(s.t.subs[:i], s.t.subs[i+1:]...)
			break
		}
	}
}
