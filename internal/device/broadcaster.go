package device

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 16

// Broadcaster fans connector events out to subscribers without blocking the publisher.
// Connectors embed it to satisfy Connector.Subscribe.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
}

// Subscribe registers a buffered subscriber and returns its stream and a cancel func.
func (broadcaster *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	stream := make(chan Event, buffer)

	broadcaster.mu.Lock()
	if broadcaster.subscribers == nil {
		broadcaster.subscribers = make(map[int64]chan Event)
	}
	broadcaster.nextID++
	subscriberID := broadcaster.nextID
	broadcaster.subscribers[subscriberID] = stream
	broadcaster.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			broadcaster.mu.Lock()
			delete(broadcaster.subscribers, subscriberID)
			broadcaster.mu.Unlock()
			close(stream)
		})
	}
	return stream, cancel
}

// Publish delivers event to every subscriber with room in its buffer.
func (broadcaster *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()
	for _, stream := range broadcaster.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}
