package engine

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
)

const defaultEventBuffer = 64

// EventType names a sync operation event.
type EventType string

const (
	EventStateChanged        EventType = "state-changed"
	EventConnectingStarted   EventType = "connecting-started"
	EventConnectingCompleted EventType = "connecting-completed"
	EventSyncStarted         EventType = "sync-started"
	EventCommitsFetched      EventType = "commits-fetched"
	EventApduProgress        EventType = "apdu-progress"
	EventUnknownCommit       EventType = "unknown-commit"
	EventCommitProcessed     EventType = "commit-processed"
	EventSyncCompleted       EventType = "sync-completed"
	EventSyncFailed          EventType = "sync-failed"
)

// Event is one entry of an operation's ordered event stream.
type Event struct {
	OperationID string                   `json:"operationId"`
	Sequence    int64                    `json:"sequence"`
	Type        EventType                `json:"type"`
	UserID      string                   `json:"userId"`
	DeviceID    string                   `json:"deviceId"`
	State       State                    `json:"state"`
	CommitID    string                   `json:"commitId,omitempty"`
	CommitType  commits.CommitType       `json:"commitType,omitempty"`
	Index       int                      `json:"index,omitempty"`
	Total       int                      `json:"total,omitempty"`
	Cursor      string                   `json:"cursor,omitempty"`
	Command     *commits.CommandProgress `json:"command,omitempty"`
	Outcome     *commits.Outcome         `json:"outcome,omitempty"`
	Reason      FailureReason            `json:"reason,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

// EventConsumer receives an operation's stream until it closes.
type EventConsumer interface {
	Consume(events <-chan Event)
}

// eventStream fans one operation's events out to its subscribers without blocking the
// operation. A subscriber that falls behind loses events.
type eventStream struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	closed      bool
}

func newEventStream() *eventStream {
	return &eventStream{subscribers: make(map[int64]chan Event)}
}

func (s *eventStream) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	stream := make(chan Event, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(stream)
		return stream, func() {}
	}
	s.nextID++
	id := s.nextID
	s.subscribers[id] = stream
	s.mu.Unlock()

	return stream, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

func (s *eventStream) publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, subscriber := range s.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, subscriber := range s.subscribers {
		delete(s.subscribers, id)
		close(subscriber)
	}
}
