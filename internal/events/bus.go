// Package events is an in-process pub/sub bus for connection and sync
// notifications.
package events

import (
	"sync"
	"time"

	"mediahub-go/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// ConnectionResolved fires when a race commits a winning base URL
	ConnectionResolved EventType = "connection.resolved"
	// ConnectionFailed fires when a race exhausts every candidate
	ConnectionFailed EventType = "connection.failed"
	// ConnectionsReset fires when the user retries all servers
	ConnectionsReset EventType = "connection.reset"

	// LibraryPageSynced fires after a page is committed to the local cache
	LibraryPageSynced EventType = "library.page_synced"
	// LibraryRefreshed fires after a refresh replaced a view's cached rows
	LibraryRefreshed EventType = "library.refreshed"
)

// ConnectionData accompanies connection events
type ConnectionData struct {
	BaseURL    string        `json:"base_url,omitempty"`
	Candidates int           `json:"candidates"`
	Failures   int           `json:"failures,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// PageData accompanies library events
type PageData struct {
	View       string `json:"view"`
	Offset     int    `json:"offset"`
	Rows       int    `json:"rows"`
	EndReached bool   `json:"end_reached"`
}

// Event represents a single event in the system
type Event struct {
	Type      EventType   `json:"type"`
	ServerID  string      `json:"server_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Bus is a thread-safe event bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	dropped     uint64
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]chan Event)}
}

// Subscribe returns a buffered channel receiving events of one type
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, config.EventChannelBufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, config.EventChannelBufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.wildcard = append(b.wildcard, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remove := func(list []chan Event) ([]chan Event, bool) {
		for i, sub := range list {
			if sub == ch {
				close(sub)
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	}

	var found bool
	if b.wildcard, found = remove(b.wildcard); found {
		return
	}
	for eventType, subs := range b.subscribers {
		if updated, ok := remove(subs); ok {
			if len(updated) == 0 {
				delete(b.subscribers, eventType)
			} else {
				b.subscribers[eventType] = updated
			}
			return
		}
	}
}

// Publish delivers the event to every matching subscriber without blocking
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	deliver := func(ch chan Event) {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
	for _, ch := range b.subscribers[event.Type] {
		deliver(ch)
	}
	for _, ch := range b.wildcard {
		deliver(ch)
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// SubscriberCount returns the number of subscribers for an event type,
// excluding wildcard subscribers
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Close closes the bus and every subscription channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.wildcard {
		close(ch)
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.wildcard = nil
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
