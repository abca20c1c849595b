// Package device defines the contract the sync engine uses to reach a wearable's secure
// element, plus the transports that implement it.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDisconnected reports that the device link is down or dropped mid-exchange.
	ErrDisconnected = errors.New("device: disconnected")
	// ErrRejected reports that the secure element refused a request while the link stayed up.
	ErrRejected = errors.New("device: request rejected")
	// ErrUnsupported reports that a connector lacks an optional capability.
	ErrUnsupported = errors.New("device: capability unsupported")
	// ErrInvalidDescriptor indicates a descriptor without a device identifier.
	ErrInvalidDescriptor = errors.New("device: invalid descriptor")
)

// Descriptor identifies the wearable a sync targets.
type Descriptor struct {
	DeviceID        string `json:"device_id"`
	SerialNumber    string `json:"serial_number,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	SecureElementID string `json:"secure_element_id,omitempty"`
}

// Validate trims the descriptor and rejects it when it has no device id.
func (descriptor Descriptor) Validate() (Descriptor, error) {
	descriptor.DeviceID = strings.TrimSpace(descriptor.DeviceID)
	if descriptor.DeviceID == "" {
		return Descriptor{}, fmt.Errorf("%w: empty device id", ErrInvalidDescriptor)
	}
	return descriptor, nil
}

// EventType enumerates connector notifications.
type EventType int

const (
	// EventConnected is published once the link is usable.
	EventConnected EventType = iota + 1
	// EventDisconnected is published when the link goes away for any reason.
	EventDisconnected
	// EventCommandExecuted is published after every APDU round-trip.
	EventCommandExecuted
)

func (eventType EventType) String() string {
	switch eventType {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventCommandExecuted:
		return "command_executed"
	default:
		return "unknown"
	}
}

// Event is a connector notification.
type Event struct {
	Type      EventType
	DeviceID  string
	Response  []byte
	Err       error
	Timestamp time.Time
}

// Connector is the capability every transport provides.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ExecuteAPDU(ctx context.Context, command []byte) ([]byte, error)
	Subscribe(buffer int) (<-chan Event, func())
}

// CommitReporter is implemented by devices that remember the last commit they applied.
type CommitReporter interface {
	LastAppliedCommitID(ctx context.Context) (string, error)
}

// CommitRecorder is implemented by devices that can persist the last commit they applied.
type CommitRecorder interface {
	RecordAppliedCommit(ctx context.Context, commitID string) error
}

// LastAppliedCommitID asks the connector for its own cursor, returning ErrUnsupported when it
// cannot answer.
func LastAppliedCommitID(ctx context.Context, connector Connector) (string, error) {
	reporter, ok := connector.(CommitReporter)
	if !ok {
		return "", ErrUnsupported
	}
	return reporter.LastAppliedCommitID(ctx)
}

// RecordAppliedCommit stores commitID on the device when the connector supports it.
func RecordAppliedCommit(ctx context.Context, connector Connector, commitID string) error {
	recorder, ok := connector.(CommitRecorder)
	if !ok {
		return ErrUnsupported
	}
	return recorder.RecordAppliedCommit(ctx, commitID)
}
