package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
)

func TestEventHubPublishesToDeviceSubscriber(t *testing.T) {
	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, "device-1")
	defer cleanup()

	hub.Publish(engine.Event{
		OperationID: "op-1",
		Type:        engine.EventCommitsFetched,
		DeviceID:    "device-1",
		Total:       3,
		Timestamp:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != engine.EventCommitsFetched || received.Total != 3 {
			t.Fatalf("unexpected event %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestEventHubIsolatesDevices(t *testing.T) {
	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceStream, cleanup := hub.Subscribe(ctx, "device-2")
	defer cleanup()
	allStream, allCleanup := hub.Subscribe(ctx, "")
	defer allCleanup()

	hub.Publish(engine.Event{OperationID: "op-2", Type: engine.EventSyncStarted, DeviceID: "device-3"})

	select {
	case <-deviceStream:
		t.Fatal("did not expect event for unrelated device")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-allStream:
		if event.DeviceID != "device-3" {
			t.Fatalf("expected device-3, received %s", event.DeviceID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for all-devices subscriber")
	}
}

func TestEventHubIgnoresIncompleteEvents(t *testing.T) {
	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := hub.Subscribe(ctx, "")
	defer cleanup()

	hub.Publish(engine.Event{Type: engine.EventSyncStarted})
	hub.Publish(engine.Event{DeviceID: "device-1"})

	select {
	case event := <-stream:
		t.Fatalf("did not expect event %#v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventHubUnsubscribesWhenContextEnds(t *testing.T) {
	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := hub.Subscribe(ctx, "device-4")
	defer cleanup()
	if count := hub.SubscriberCount("device-4"); count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount("device-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := hub.Subscribe(ctx, "device-5")
	defer cleanup()

	events := make(chan engine.Event, 100)
	for index := 0; index < 100; index++ {
		events <- engine.Event{OperationID: "op-5", Sequence: int64(index + 1), Type: engine.EventApduProgress, DeviceID: "device-5"}
	}
	close(events)
	hub.Consume(events)

	if len(stream) != hub.bufferSize {
		t.Fatalf("expected buffered events to be capped at %d, got %d", hub.bufferSize, len(stream))
	}
	first := <-stream
	if first.Sequence != 1 {
		t.Fatalf("expected earliest event first, got sequence %d", first.Sequence)
	}
}
