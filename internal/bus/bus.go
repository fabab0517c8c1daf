// Package bus carries domain events emitted by the reconciliation engine to
// in-process consumers (websocket hub, balance ledgers, notifications).
package bus

import (
	"sync"

	"github.com/hakifi/insurance-engine/internal/model"
)

// EventKind distinguishes the two domain notifications.
type EventKind string

const (
	// InsuranceCreated fires when a contract becomes AVAILABLE.
	InsuranceCreated EventKind = "CREATED"

	// InsuranceUpdated fires on every later state transition.
	InsuranceUpdated EventKind = "UPDATED"
)

// Event is one domain notification with the contract snapshot that produced
// it.
type Event struct {
	Kind      EventKind
	Insurance *model.Insurance
}

// Bus fans domain events out to subscribers. Publish never blocks the
// engine: slow subscribers drop events rather than stall a transition.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// New creates an event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer and returns its channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber, dropping for any whose buffer is
// full.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
