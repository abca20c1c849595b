package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testToken = "operator-token"

type stubTokenValidator struct {
	validateErr error
}

func (validator stubTokenValidator) ValidateToken(token string) (string, error) {
	if validator.validateErr != nil {
		return "", validator.validateErr
	}
	if token != testToken {
		return "", errors.New("signature mismatch")
	}
	return "operator-1", nil
}

// recordingRunner completes every request with the configured cursor and publishes a
// sync-completed event to hub when one is set.
type recordingRunner struct {
	mu       sync.Mutex
	requests []engine.Request
	hub      *EventHub
}

func (runner *recordingRunner) Run(_ context.Context, request engine.Request) engine.Result {
	runner.mu.Lock()
	runner.requests = append(runner.requests, request)
	runner.mu.Unlock()
	if runner.hub != nil {
		events := make(chan engine.Event, 1)
		events <- engine.Event{
			OperationID: "op-1",
			Type:        engine.EventSyncCompleted,
			DeviceID:    request.Device.DeviceID,
			State:       engine.StateCompleted,
			Cursor:      "commit-9",
			Timestamp:   time.Now().UTC(),
		}
		close(events)
		runner.hub.Consume(events)
	}
	return engine.Result{
		OperationID:  "op-1",
		Request:      request,
		Status:       engine.StatusSuccess,
		LastCommitID: "commit-9",
		Processed:    []commits.Outcome{{CommitID: "commit-9", Type: commits.CommitTypeCreditCardCreated, Confirmed: true, Result: commits.ConfirmResultSuccess}},
	}
}

func (runner *recordingRunner) seen() []engine.Request {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return append([]engine.Request(nil), runner.requests...)
}

type handlerFixture struct {
	handler   http.Handler
	runner    *recordingRunner
	queue     *engine.Queue
	cursors   *commits.MemoryCursorStore
	telemetry *engine.TelemetryReporter
	hub       *EventHub
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewEventHub()
	runner := &recordingRunner{hub: hub}
	queue, err := engine.NewQueue(engine.QueueConfig{Runner: runner, Synchronous: true})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close(context.Background())
	})
	fixture := &handlerFixture{
		runner:    runner,
		queue:     queue,
		cursors:   commits.NewMemoryCursorStore(),
		telemetry: engine.NewTelemetryReporter(nil),
		hub:       hub,
	}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:  stubTokenValidator{},
		Queue:   queue,
		Cursors: fixture.cursors,
		Connectors: func(descriptor device.Descriptor) (device.Connector, error) {
			if descriptor.DeviceID == "offline" {
				return nil, errors.New("reader not present")
			}
			return device.NewEmulator(device.EmulatorConfig{DeviceID: descriptor.DeviceID}), nil
		},
		Telemetry:         fixture.telemetry,
		Realtime:          hub,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}
