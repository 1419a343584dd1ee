// Package notify is the change notification channel through which the
// protocol engine and the objects it owns announce attribute changes to
// observers such as a UI layer.
//
// Observers only ever see published values. Publishing never blocks on a
// slow observer: callback observers run on the publisher's goroutine
// outside the bus lock, and channel observers drop changes when their
// buffer is full.
package notify

import (
	"sync"
	"time"
)

// Change describes one attribute change on a source object.
type Change struct {
	Source    string
	Attribute string
	Value     any
	At        time.Time
}

// Observer receives published changes.
type Observer func(Change)

// Subscription identifies one registered observer.
type Subscription uint64

// Bus is a typed publish/subscribe channel for Change values.
type Bus struct {
	mu        sync.RWMutex
	next      Subscription
	observers map[Subscription]Observer
	channels  map[Subscription]chan Change
	closed    bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		observers: make(map[Subscription]Observer),
		channels:  make(map[Subscription]chan Change),
	}
}

// Subscribe registers observer and returns a handle for Unsubscribe.
// Subscribing to a closed bus returns a handle that never fires.
func (b *Bus) Subscribe(observer Observer) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	if !b.closed && observer != nil {
		b.observers[b.next] = observer
	}

	return b.next
}

// Channel registers a channel observer with the given buffer size.
// The channel is closed on Unsubscribe or Close.
func (b *Bus) Channel(buffer int) (Subscription, <-chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	ch := make(chan Change, buffer)
	if b.closed {
		close(ch)
		return b.next, ch
	}
	b.channels[b.next] = ch

	return b.next, ch
}

// Unsubscribe removes a subscription. Unknown or already removed
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.observers, sub)
	if ch, ok := b.channels[sub]; ok {
		delete(b.channels, sub)
		close(ch)
	}
}

// Publish delivers change to every current subscriber.
func (b *Bus) Publish(change Change) {
	if change.At.IsZero() {
		change.At = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	for _, ch := range b.channels {
		select {
		case ch <- change:
		default:
		}
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o(change)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers) + len(b.channels)
}

// Close removes every subscription and rejects future deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.observers = make(map[Subscription]Observer)
	for sub, ch := range b.channels {
		delete(b.channels, sub)
		close(ch)
	}
}
