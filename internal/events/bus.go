// Package events provides the in-process event bus and the append-only
// audit log for verification lifecycle events.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventSessionActivated is published when a pending session gets its
	// challenge schedule and enters in_progress.
	EventSessionActivated EventType = "session_activated"
	// EventChallengeSent is published when a challenge is delivered to
	// the agent's webhook.
	EventChallengeSent EventType = "challenge_sent"
	// EventChallengeResolved is published when a challenge reaches
	// passed, failed, or skipped.
	EventChallengeResolved EventType = "challenge_resolved"
	// EventSessionConcluded is published when a session reaches
	// completed or failed.
	EventSessionConcluded EventType = "session_concluded"
	// EventSpotCheck is published for every processed spot check.
	EventSpotCheck EventType = "spot_check"
	// EventTierRecommended is published when the tier manager recommends
	// a promotion or demotion.
	EventTierRecommended EventType = "tier_recommended"
	// EventCircuitOpened is published when a delivery circuit breaker
	// trips open.
	EventCircuitOpened EventType = "circuit_opened"
	// EventAdminMutation is published for audited administrative
	// mutations such as force-rescheduling a burst.
	EventAdminMutation EventType = "admin_mutation"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			// Recover so a panicking subscriber cannot take the bus down
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type.
// If a subscriber's channel is full, the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop to keep publishers non-blocking
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
