// Package engine runs sync operations against a device and serializes them through a queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/MarcoPoloResearchLab/sesync/internal/envelope"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	deviceSubscriptionBuffer = 16
)

// State is a sync operation state.
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateFetchingCommits State = "fetching_commits"
	StateApplyingCommit  State = "applying_commit"
	StateConfirming      State = "confirming"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition can happen.
func (state State) Terminal() bool {
	return state == StateCompleted || state == StateFailed
}

// FailureReason classifies why an operation failed.
type FailureReason string

const (
	ReasonDeviceWasDisconnected    FailureReason = "deviceWasDisconnected"
	ReasonApduSendingTimeout       FailureReason = "apduSendingTimeout"
	ReasonNonApduProcessingTimeout FailureReason = "nonApduProcessingTimeout"
	ReasonCommitsFetchFailed       FailureReason = "commitsFetchFailed"
	ReasonEncryptionKeyUnavailable FailureReason = "encryptionKeyUnavailable"
	ReasonCommitApplyFailed        FailureReason = "commitApplyFailed"
)

// Status is the completion status delivered with every result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	// ErrInvalidRequest indicates a non-empty request that cannot be run.
	ErrInvalidRequest = errors.New("engine: invalid sync request")

	errMissingFetcher  = errors.New("engine: commit fetcher is required")
	errMissingApplier  = errors.New("engine: commit applier is required")
	errOperationReused = errors.New("engine: operation already ran")
)

// Request identifies one sync attempt. The zero Request is the empty request, which replays
// the last submitted one.
type Request struct {
	UserID    string
	Device    device.Descriptor
	Connector device.Connector
}

// IsEmpty reports whether request is the empty request.
func (request Request) IsEmpty() bool {
	return request.UserID == "" && request.Device.DeviceID == "" && request.Connector == nil
}

// Validate trims the request and rejects it when a field is missing.
func (request Request) Validate() (Request, error) {
	descriptor, err := request.Device.Validate()
	if err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if request.UserID == "" {
		return Request{}, fmt.Errorf("%w: empty user id", ErrInvalidRequest)
	}
	if request.Connector == nil {
		return Request{}, fmt.Errorf("%w: no connector", ErrInvalidRequest)
	}
	request.Device = descriptor
	return request, nil
}

// Result is the completion delivered for every admitted request.
type Result struct {
	OperationID  string
	Request      Request
	Status       Status
	Reason       FailureReason
	Err          error
	Processed    []commits.Outcome
	LastCommitID string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Succeeded reports whether the operation completed.
func (result Result) Succeeded() bool {
	return result.Status == StatusSuccess
}

// CommitFetcher resolves the resume cursor and lists the commits after it.
type CommitFetcher interface {
	ResumeCursor(ctx context.Context, deviceID string, connector device.Connector, resumeFromSynced bool) (string, error)
	FetchAll(ctx context.Context, userID string, deviceID string, after string) ([]commits.Commit, error)
}

// CommitApplier disposes of one commit.
type CommitApplier interface {
	Apply(ctx context.Context, target commits.Target, commit commits.Commit, observer commits.Observer) (commits.Outcome, error)
}

// KeyInvalidator pins the encryption keys an operation fetched under and forces the next
// platform request onto a fresh key after a decryption failure.
type KeyInvalidator interface {
	Hold() func(context.Context)
	Invalidate(ctx context.Context)
}

// OperationConfig wires one sync operation.
type OperationConfig struct {
	Request                Request
	Fetcher                CommitFetcher
	Applier                CommitApplier
	Keys                   KeyInvalidator
	ConnectTimeout         time.Duration
	ResumeFromSyncedCommit bool
	Clock                  func() time.Time
	Logger                 *zap.Logger
}

// Operation is one connect, fetch, apply, disconnect pass for a device. It runs once.
type Operation struct {
	id             string
	request        Request
	fetcher        CommitFetcher
	applier        CommitApplier
	keys           KeyInvalidator
	connectTimeout time.Duration
	resume         bool
	clock          func() time.Time
	logger         *zap.Logger

	events  *eventStream
	started atomic.Bool

	mu       sync.Mutex
	state    State
	sequence int64
}

// NewOperation validates the configuration and returns an idle Operation.
func NewOperation(cfg OperationConfig) (*Operation, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	request, err := cfg.Request.Validate()
	if err != nil {
		return nil, err
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Operation{
		id:             id,
		request:        request,
		fetcher:        cfg.Fetcher,
		applier:        cfg.Applier,
		keys:           cfg.Keys,
		connectTimeout: connectTimeout,
		resume:         cfg.ResumeFromSyncedCommit,
		clock:          clock,
		logger: logger.With(
			zap.String("operation_id", id),
			zap.String("device_id", request.Device.DeviceID)),
		events: newEventStream(),
		state:  StateIdle,
	}, nil
}

// ID returns the operation identifier.
func (op *Operation) ID() string {
	return op.id
}

// State returns the current state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Subscribe returns the operation's event stream. The stream closes when Run returns.
func (op *Operation) Subscribe(buffer int) (<-chan Event, func()) {
	return op.events.subscribe(buffer)
}

// Run drives the operation to a terminal state and returns its result. A disconnect
// notification from the device at any point interrupts the work in progress.
func (op *Operation) Run(ctx context.Context) Result {
	result := Result{OperationID: op.id, Request: op.request, StartedAt: op.clock()}
	if !op.started.CompareAndSwap(false, true) {
		result.Status = StatusFailed
		result.Reason = ReasonCommitApplyFailed
		result.Err = errOperationReused
		result.FinishedAt = result.StartedAt
		return result
	}
	defer op.events.close()
	if op.keys != nil {
		release := op.keys.Hold()
		defer release(context.WithoutCancel(ctx))
	}

	op.execute(ctx, &result)
	op.disconnect(ctx)
	result.FinishedAt = op.clock()

	if result.Err != nil {
		result.Status = StatusFailed
		op.transition(Event{Reason: result.Reason, Error: result.Err.Error()}, StateFailed)
		op.emit(Event{Type: EventSyncFailed, Reason: result.Reason, Error: result.Err.Error(), Cursor: result.LastCommitID})
		op.logger.Warn("sync operation failed",
			zap.String("reason", string(result.Reason)),
			zap.Int("processed", len(result.Processed)),
			zap.Error(result.Err))
		return result
	}
	result.Status = StatusSuccess
	op.transition(Event{}, StateCompleted)
	op.emit(Event{Type: EventSyncCompleted, Total: len(result.Processed), Cursor: result.LastCommitID})
	return result
}

func (op *Operation) execute(ctx context.Context, result *Result) {
	runCtx, interrupt := context.WithCancelCause(ctx)
	defer interrupt(nil)

	deviceEvents, unsubscribe := op.request.Connector.Subscribe(deviceSubscriptionBuffer)
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		for event := range deviceEvents {
			if event.Type == device.EventDisconnected {
				interrupt(commits.ErrDeviceWasDisconnected)
				return
			}
		}
	}()
	defer func() {
		unsubscribe()
		<-watching
	}()

	op.transition(Event{}, StateConnecting)
	op.emit(Event{Type: EventConnectingStarted})
	connectCtx, cancelConnect := context.WithTimeout(runCtx, op.connectTimeout)
	err := op.request.Connector.Connect(connectCtx)
	cancelConnect()
	if err == nil && runCtx.Err() != nil {
		err = context.Cause(runCtx)
	}
	if err != nil {
		op.fail(result, ReasonDeviceWasDisconnected, fmt.Errorf("%w: connect: %w", commits.ErrDeviceWasDisconnected, err))
		return
	}
	op.emit(Event{Type: EventConnectingCompleted})

	op.transition(Event{}, StateFetchingCommits)
	op.emit(Event{Type: EventSyncStarted})
	deviceID := op.request.Device.DeviceID
	cursor, err := op.fetcher.ResumeCursor(runCtx, deviceID, op.request.Connector, op.resume)
	if err != nil {
		op.fail(result, op.classify(runCtx, err, ReasonCommitsFetchFailed), err)
		return
	}
	result.LastCommitID = cursor
	pending, err := op.fetcher.FetchAll(runCtx, op.request.UserID, deviceID, cursor)
	if err != nil {
		op.fail(result, op.classify(runCtx, err, ReasonCommitsFetchFailed), err)
		return
	}
	op.emit(Event{Type: EventCommitsFetched, Total: len(pending), Cursor: cursor})

	target := commits.Target{UserID: op.request.UserID, DeviceID: deviceID, Connector: op.request.Connector}
	for index, commit := range pending {
		if runCtx.Err() != nil {
			cause := context.Cause(runCtx)
			op.fail(result, op.classify(runCtx, cause, ReasonCommitApplyFailed), cause)
			return
		}
		position := Event{CommitID: commit.CommitID, CommitType: commit.Type(), Index: index, Total: len(pending)}
		op.transition(position, StateApplyingCommit)
		if commit.Type() == commits.CommitTypeUnknown {
			unknown := position
			unknown.Type = EventUnknownCommit
			op.emit(unknown)
		}

		outcome, err := op.applier.Apply(runCtx, target, commit, operationObserver{op: op, position: position})
		if err != nil {
			op.fail(result, op.classify(runCtx, err, ReasonCommitApplyFailed), err)
			return
		}
		result.Processed = append(result.Processed, outcome)
		result.LastCommitID = commit.CommitID

		processed := position
		processed.Type = EventCommitProcessed
		processed.Outcome = &outcome
		op.emit(processed)
	}
}

func (op *Operation) fail(result *Result, reason FailureReason, err error) {
	result.Reason = reason
	result.Err = err
}

// classify maps an error to a failure reason, falling back to fallback for platform and
// payload errors.
func (op *Operation) classify(ctx context.Context, err error, fallback FailureReason) FailureReason {
	if errors.Is(err, envelope.ErrDecryptionFailed) && op.keys != nil {
		op.keys.Invalidate(context.WithoutCancel(ctx))
	}
	switch {
	case errors.Is(err, commits.ErrDeviceWasDisconnected), errors.Is(err, device.ErrDisconnected):
		return ReasonDeviceWasDisconnected
	case errors.Is(err, commits.ErrApduSendingTimeout):
		return ReasonApduSendingTimeout
	case errors.Is(err, commits.ErrNonApduProcessingTimeout):
		return ReasonNonApduProcessingTimeout
	case errors.Is(err, envelope.ErrKeyUnavailable):
		return ReasonEncryptionKeyUnavailable
	case errors.Is(context.Cause(ctx), commits.ErrDeviceWasDisconnected):
		return ReasonDeviceWasDisconnected
	}
	return fallback
}

func (op *Operation) disconnect(ctx context.Context) {
	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), op.connectTimeout)
	defer cancel()
	if err := op.request.Connector.Disconnect(disconnectCtx); err != nil {
		op.logger.Debug("device disconnect failed", zap.Error(err))
	}
}

// transition moves to state and emits state-changed carrying the fields of position.
func (op *Operation) transition(position Event, state State) {
	op.mu.Lock()
	op.state = state
	op.mu.Unlock()
	position.Type = EventStateChanged
	op.emit(position)
}

func (op *Operation) emit(event Event) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.sequence++
	event.OperationID = op.id
	event.Sequence = op.sequence
	event.UserID = op.request.UserID
	event.DeviceID = op.request.Device.DeviceID
	event.State = op.state
	event.Timestamp = op.clock()
	op.events.publish(event)
}

type operationObserver struct {
	op       *Operation
	position Event
}

func (observer operationObserver) CommandExecuted(_ commits.Commit, progress commits.CommandProgress) {
	event := observer.position
	event.Type = EventApduProgress
	event.Command = &progress
	observer.op.emit(event)
}

func (observer operationObserver) Confirming(commits.Commit) {
	observer.op.transition(observer.position, StateConfirming)
}
