package events

import (
	"sync"

	"github.com/gardenledger/garden/logx"
	"github.com/google/uuid"
)

type SubscriberID string

func newSubscriberID() SubscriberID {
	return SubscriberID(uuid.Must(uuid.NewV7()).String())
}

type Subscriber struct {
	ID      SubscriberID
	Channel chan LedgerEvent
}

// EventBus fans ledger events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[SubscriberID]*Subscriber
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[SubscriberID]*Subscriber),
	}
}

func (eb *EventBus) Subscribe() (SubscriberID, <-chan LedgerEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := newSubscriberID()
	ch := make(chan LedgerEvent, 50)
	eb.subscribers[id] = &Subscriber{ID: id, Channel: ch}

	logx.Debug("EVENTBUS", "Subscribed", id, "total", len(eb.subscribers))
	return id, ch
}

// Unsubscribe removes a subscription by ID and closes its channel
func (eb *EventBus) Unsubscribe(id SubscriberID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscriber, exists := eb.subscribers[id]
	if !exists {
		logx.Warn("EVENTBUS", "Attempted to unsubscribe non-existent subscriber", id)
		return false
	}

	delete(eb.subscribers, id)
	close(subscriber.Channel)
	return true
}

// Publish publishes an event to all subscribers
func (eb *EventBus) Publish(event LedgerEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, subscriber := range eb.subscribers {
		select {
		case subscriber.Channel <- event:
		default:
			logx.Warn("EVENTBUS", "Subscriber channel full", id, "dropping", event.Type())
		}
	}
}

// GetTotalSubscriptions returns the total number of active subscriptions
func (eb *EventBus) GetTotalSubscriptions() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close unsubscribes everyone.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for id, s := range eb.subscribers {
		close(s.Channel)
		delete(eb.subscribers, id)
	}
}
