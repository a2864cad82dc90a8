package events

import (
	"sync"

	"github.com/gardenledger/garden/garden"
)

// StateFeed delivers garden snapshots. Each subscriber holds at most one undelivered
// snapshot, and a newer one replaces it, so a slow reader skips intermediate states
// but always ends on the latest one. A new subscriber first receives the current
// snapshot.
type StateFeed struct {
	mu          sync.Mutex
	latest      *garden.State
	subscribers map[SubscriberID]chan *garden.State
	closed      bool
}

func NewStateFeed(initial *garden.State) *StateFeed {
	return &StateFeed{
		latest:      initial,
		subscribers: make(map[SubscriberID]chan *garden.State),
	}
}

func (f *StateFeed) Latest() *garden.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *StateFeed) Subscribe() (SubscriberID, <-chan *garden.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := newSubscriberID()
	ch := make(chan *garden.State, 1)
	if f.closed {
		close(ch)
		return id, ch
	}
	if f.latest != nil {
		ch <- f.latest
	}
	f.subscribers[id] = ch
	return id, ch
}

func (f *StateFeed) Unsubscribe(id SubscriberID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subscribers[id]
	if !ok {
		return false
	}
	delete(f.subscribers, id)
	close(ch)
	return true
}

// Publish records s as the latest snapshot and offers it to every subscriber.
// Snapshots must not be mutated after publishing.
func (f *StateFeed) Publish(s *garden.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = s
	for _, ch := range f.subscribers {
		// drop the undelivered older snapshot, if any
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (f *StateFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
}

func (f *StateFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}
