package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceDaemon   = "sesyncd"
	allDevices             = ""
)

// EventHub relays sync operation events to SSE clients, keyed by device id. It is attached
// to every operation as an engine.EventConsumer.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan engine.Event
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers a listener for deviceID, or for every device when deviceID is empty.
// The subscription ends when ctx is done or cleanup is called.
func (h *EventHub) Subscribe(ctx context.Context, deviceID string) (<-chan engine.Event, func()) {
	subscriber := &realtimeSubscriber{
		id:     h.nextSequence(),
		stream: make(chan engine.Event, h.bufferSize),
	}
	h.registerSubscriber(deviceID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregisterSubscriber(deviceID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Consume publishes every event of one operation.
func (h *EventHub) Consume(events <-chan engine.Event) {
	for event := range events {
		h.Publish(event)
	}
}

// Publish delivers event to the device's listeners and to the all-devices listeners. Slow
// listeners miss events.
func (h *EventHub) Publish(event engine.Event) {
	if event.DeviceID == "" || event.Type == "" {
		return
	}
	h.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for _, key := range []string{event.DeviceID, allDevices} {
		for _, subscriber := range h.subscribers[key] {
			copies = append(copies, subscriber)
		}
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of listeners for deviceID.
func (h *EventHub) SubscriberCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[deviceID])
}

func (h *EventHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *EventHub) registerSubscriber(deviceID string, subscriber *realtimeSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[deviceID]; !ok {
		h.subscribers[deviceID] = make(map[int64]*realtimeSubscriber)
	}
	h.subscribers[deviceID][subscriber.id] = subscriber
}

func (h *EventHub) unregisterSubscriber(deviceID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[deviceID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, deviceID)
		}
	}
	h.mu.Unlock()
}
