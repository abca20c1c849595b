package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skythen/apdu"
)

const (
	// StatusSuccess is the ISO 7816-4 normal-processing status word.
	StatusSuccess uint16 = 0x9000
	// StatusWrongData is returned by the default responder for unparseable commands.
	StatusWrongData uint16 = 0x6A80
)

// Responder computes the secure element's answer to one command APDU.
type Responder func(command []byte) ([]byte, error)

// Response builds a response APDU carrying data and the status word sw.
func Response(sw uint16, data []byte) []byte {
	rapdu := apdu.Rapdu{Data: data, SW1: byte(sw >> 8), SW2: byte(sw)}
	encoded, err := rapdu.Bytes()
	if err != nil {
		return []byte{byte(sw >> 8), byte(sw)}
	}
	return encoded
}

// SuccessResponder answers every well-formed command APDU with 9000.
func SuccessResponder(command []byte) ([]byte, error) {
	if _, err := apdu.ParseCapdu(command); err != nil {
		return Response(StatusWrongData, nil), nil
	}
	return Response(StatusSuccess, nil), nil
}

// EmulatorConfig configures an in-process secure element.
type EmulatorConfig struct {
	DeviceID string
	// Responder defaults to SuccessResponder.
	Responder Responder
	// ConnectDelay is how long Connect takes before the link is up.
	ConnectDelay time.Duration
	// ResponseDelay is how long each APDU round-trip takes.
	ResponseDelay time.Duration
	// ReportsCommits enables CommitReporter and CommitRecorder.
	ReportsCommits bool
	// DisconnectAfter drops the link when the Nth command is submitted (1-based); zero disables.
	DisconnectAfter int
	// InitialCommitID seeds the device-side cursor.
	InitialCommitID string
}

// Emulator is an in-process secure element used by tests, the demo command and the socket
// emulator server.
type Emulator struct {
	Broadcaster

	mu              sync.Mutex
	config          EmulatorConfig
	connected       bool
	executed        [][]byte
	lastCommitID    string
	disconnectAfter int
}

// NewEmulator builds an Emulator.
func NewEmulator(cfg EmulatorConfig) *Emulator {
	if cfg.Responder == nil {
		cfg.Responder = SuccessResponder
	}
	return &Emulator{
		config:          cfg,
		lastCommitID:    cfg.InitialCommitID,
		disconnectAfter: cfg.DisconnectAfter,
	}
}

// Connect brings the link up after the configured delay.
func (emulator *Emulator) Connect(ctx context.Context) error {
	if err := wait(ctx, emulator.config.ConnectDelay); err != nil {
		return err
	}
	emulator.mu.Lock()
	emulator.connected = true
	emulator.mu.Unlock()
	emulator.Publish(Event{Type: EventConnected, DeviceID: emulator.config.DeviceID})
	return nil
}

// Disconnect drops the link.
func (emulator *Emulator) Disconnect(context.Context) error {
	emulator.mu.Lock()
	wasConnected := emulator.connected
	emulator.connected = false
	emulator.mu.Unlock()
	if wasConnected {
		emulator.Publish(Event{Type: EventDisconnected, DeviceID: emulator.config.DeviceID})
	}
	return nil
}

// DropConnection simulates the radio link going away without a Disconnect call.
func (emulator *Emulator) DropConnection() {
	emulator.mu.Lock()
	emulator.connected = false
	emulator.mu.Unlock()
	emulator.Publish(Event{Type: EventDisconnected, DeviceID: emulator.config.DeviceID, Err: ErrDisconnected})
}

// ExecuteAPDU submits command to the emulated secure element.
func (emulator *Emulator) ExecuteAPDU(ctx context.Context, command []byte) ([]byte, error) {
	emulator.mu.Lock()
	if !emulator.connected {
		emulator.mu.Unlock()
		return nil, ErrDisconnected
	}
	emulator.executed = append(emulator.executed, append([]byte(nil), command...))
	drop := emulator.disconnectAfter > 0 && len(emulator.executed) >= emulator.disconnectAfter
	if drop {
		emulator.disconnectAfter = 0
	}
	emulator.mu.Unlock()

	if drop {
		emulator.DropConnection()
		return nil, ErrDisconnected
	}

	if err := wait(ctx, emulator.config.ResponseDelay); err != nil {
		return nil, err
	}

	response, err := emulator.config.Responder(command)
	emulator.Publish(Event{Type: EventCommandExecuted, DeviceID: emulator.config.DeviceID, Response: response, Err: err})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return response, nil
}

// LastAppliedCommitID returns the device-side cursor when commit reporting is enabled.
func (emulator *Emulator) LastAppliedCommitID(context.Context) (string, error) {
	if !emulator.config.ReportsCommits {
		return "", ErrUnsupported
	}
	emulator.mu.Lock()
	defer emulator.mu.Unlock()
	return emulator.lastCommitID, nil
}

// RecordAppliedCommit stores the device-side cursor when commit reporting is enabled.
func (emulator *Emulator) RecordAppliedCommit(_ context.Context, commitID string) error {
	if !emulator.config.ReportsCommits {
		return ErrUnsupported
	}
	emulator.mu.Lock()
	emulator.lastCommitID = commitID
	emulator.mu.Unlock()
	return nil
}

// Executed returns a copy of every command submitted so far, in order.
func (emulator *Emulator) Executed() [][]byte {
	emulator.mu.Lock()
	defer emulator.mu.Unlock()
	copied := make([][]byte, len(emulator.executed))
	for index, command := range emulator.executed {
		copied[index] = append([]byte(nil), command...)
	}
	return copied
}

// Connected reports whether the link is up.
func (emulator *Emulator) Connected() bool {
	emulator.mu.Lock()
	defer emulator.mu.Unlock()
	return emulator.connected
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
