// Package relay delivers RFID scan events from the scan endpoint to live
// stream connections. Each stream connection registers its own FIFO queue,
// so every connected viewer sees every event.
package relay

import (
	"context"
	"sync"
)

// Scan statuses.
const (
	StatusRegistered   = "registered"
	StatusUnregistered = "unregistered"
)

// Event is one RFID scan notification. Events are transient; they are never
// persisted.
type Event struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Relay is the abstraction over different backends.
type Relay interface {
	// Publish delivers evt to every current subscriber. It does not block
	// on slow consumers.
	Publish(ctx context.Context, evt Event) error
	// Subscribe registers a new consumer. The returned channel yields
	// events in publish order until the context is done or the cancel
	// function is called; cancel releases the subscription.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Broadcaster is the in-memory backend: a subscriber registry where each
// subscriber owns an unbounded FIFO backlog.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	mu      sync.Mutex
	backlog []Event
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
}

// NewBroadcaster creates an empty registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Publish appends evt to every subscriber's backlog. Never blocks.
func (b *Broadcaster) Publish(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.push(evt)
	}
	return nil
}

// Subscribers returns the number of registered consumers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe registers a consumer and starts its drain loop.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(sub.done) })
	}

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.out)
		}()
		for {
			if evt, ok := sub.next(); ok {
				select {
				case sub.out <- evt:
					continue
				case <-sub.done:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.wake:
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub.out, cancel, nil
}

func (s *subscriber) push(evt Event) {
	s.mu.Lock()
	s.backlog = append(s.backlog, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		return Event{}, false
	}
	evt := s.backlog[0]
	s.backlog = s.backlog[1:]
	return evt, true
}
