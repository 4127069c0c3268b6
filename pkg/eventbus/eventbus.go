// Package eventbus provides the Bus interface and an in-memory implementation
// for real-time lease event streaming.
package eventbus

import (
	"sync"

	"github.com/jxucoder/efimeral/pkg/model"
)

// AllLeases subscribes to events for every lease.
const AllLeases = "*"

// Bus provides pub/sub for lease events.
type Bus interface {
	Subscribe(leaseID string) chan *model.Event
	Unsubscribe(leaseID string, ch chan *model.Event)
	Publish(leaseID string, event *model.Event)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.Event),
	}
}

// Subscribe creates a channel that receives events for a lease, or for all
// leases when leaseID is AllLeases.
func (b *InMemoryBus) Subscribe(leaseID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, 64)
	b.subs[leaseID] = append(b.subs[leaseID], ch)
	return ch
}

// Unsubscribe removes a channel from the lease's subscribers.
func (b *InMemoryBus) Unsubscribe(leaseID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[leaseID]
	for i, s := range subs {
		if s == ch {
			b.subs[leaseID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[leaseID]) == 0 {
				delete(b.subs, leaseID)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to the lease's subscribers and to AllLeases
// subscribers.
func (b *InMemoryBus) Publish(leaseID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver(b.subs[leaseID], event)
	if leaseID != AllLeases {
		deliver(b.subs[AllLeases], event)
	}
}

// SubscriberCount returns the number of subscribers for leaseID.
func (b *InMemoryBus) SubscriberCount(leaseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[leaseID])
}

func deliver(subs []chan *model.Event, event *model.Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}
