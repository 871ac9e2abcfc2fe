package collection

import (
	"encoding/json"
	"sync"
)

// ChangeType is the kind of mutation a ChangeEvent reports.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row mutation, delivered to subscribers on a
// best-effort basis (§4.D change stream).
type ChangeEvent struct {
	Type    ChangeType      `json:"type"`
	Key     string          `json:"key"`
	Data    json.RawMessage `json:"data,omitempty"`
	OldData json.RawMessage `json:"old_data,omitempty"`
}

// changeSubscriber is a bounded channel a caller reads ChangeEvents from.
type changeSubscriber chan *ChangeEvent

// changeBroker fans out ChangeEvents to every live subscription, dropping
// events for subscribers that aren't keeping up rather than blocking the
// writer. Adapted from cuemby-warren's pkg/events.Broker, simplified to a
// single collection's scope (no separate dispatch goroutine, since change
// events are already produced on the writer's own goroutine and publishing
// is itself non-blocking).
type changeBroker struct {
	mu          sync.RWMutex
	subscribers map[changeSubscriber]bool
}

func newChangeBroker() *changeBroker {
	return &changeBroker{subscribers: make(map[changeSubscriber]bool)}
}

// Subscribe returns a new channel of future change events. Buffered to 64
// events; once full, new events for this subscriber are dropped.
func (b *changeBroker) Subscribe() changeSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(changeSubscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe closes and removes a subscription.
func (b *changeBroker) Unsubscribe(sub changeSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fans event out to every subscriber without blocking.
func (b *changeBroker) Publish(event *ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full: lossy, best-effort delivery
		}
	}
}
