package gateway

import (
	"encoding/json"
	"sync"

	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/backend"
)

// Broadcaster fans confirmed changes out to SSE subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan backend.Change]struct{}
}

// NewBroadcaster creates a new change broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan backend.Change]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan backend.Change {
	ch := make(chan backend.Change, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan backend.Change) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends a change to all subscribers. Non-blocking: drops changes
// for slow consumers.
func (b *Broadcaster) Publish(c backend.Change) {
	c = c.Stamp()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
	metrics.RecordSSEEvent(string(c.Type))
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func marshalChange(c backend.Change) ([]byte, error) {
	return json.Marshal(c)
}
