package commits

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/skythen/apdu"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrDeviceWasDisconnected reports that the device link dropped while a commit was applied.
	ErrDeviceWasDisconnected = errors.New("commits: device was disconnected")
	// ErrApduSendingTimeout reports that a command round trip exceeded the timeout.
	ErrApduSendingTimeout = errors.New("commits: apdu sending timed out")
	// ErrNonApduProcessingTimeout reports that a lifecycle commit exceeded the timeout.
	ErrNonApduProcessingTimeout = errors.New("commits: non-apdu processing timed out")
	// ErrPayloadUnavailable wraps every failure to open a commit payload.
	ErrPayloadUnavailable = errors.New("commits: commit payload unavailable")
	// ErrCredentialRejected marks credential model errors that are confirmed FAILED. Any other
	// model error fails the operation and leaves the commit for the next sync.
	ErrCredentialRejected = errors.New("commits: credential commit rejected")

	errMissingDecrypter = errors.New("commits: decrypter is required")
	errMissingConfirmer = errors.New("commits: confirmer is required")
)

// Decrypter opens commit payloads with the active encryption key.
type Decrypter interface {
	Decrypt(ctx context.Context, compact string, out any) error
}

// Confirmer posts commit outcomes to the platform callback links.
type Confirmer interface {
	ConfirmCommit(ctx context.Context, url string, result ConfirmResult) error
	SendApduResponse(ctx context.Context, url string, result ApduExecutionResult) error
}

// CredentialModel is the caller-held model mutated by lifecycle commits. Errors wrapping
// ErrCredentialRejected are confirmed FAILED.
type CredentialModel interface {
	ApplyCredentialCommit(ctx context.Context, userID string, deviceID string, commitType CommitType, card CreditCard) error
}

// Target identifies the user and device a commit is applied for.
type Target struct {
	UserID    string
	DeviceID  string
	Connector device.Connector
}

// CommandProgress describes one executed APDU command.
type CommandProgress struct {
	CommandID    string `json:"commandId"`
	GroupID      int    `json:"groupId"`
	Sequence     int    `json:"sequence"`
	Index        int    `json:"index"`
	Total        int    `json:"total"`
	ResponseCode string `json:"responseCode"`
	Succeeded    bool   `json:"succeeded"`
}

// Observer receives progress while a commit is applied. Calls happen on the applying goroutine.
type Observer interface {
	CommandExecuted(commit Commit, progress CommandProgress)
	Confirming(commit Commit)
}

type nopObserver struct{}

func (nopObserver) CommandExecuted(Commit, CommandProgress) {}
func (nopObserver) Confirming(Commit)                       {}

// Outcome summarizes how a commit was disposed of.
type Outcome struct {
	CommitID     string           `json:"commitId"`
	Type         CommitType       `json:"commitType"`
	Skipped      bool             `json:"skipped,omitempty"`
	Confirmed    bool             `json:"confirmed"`
	Result       ConfirmResult    `json:"result,omitempty"`
	PackageState ApduPackageState `json:"packageState,omitempty"`
	Responses    []ApduResponse   `json:"apduResponses,omitempty"`
	Duration     time.Duration    `json:"durationNs"`
}

// ApplierConfig wires the commit applier.
type ApplierConfig struct {
	Decrypter   Decrypter
	Confirmer   Confirmer
	Store       CursorStore
	Credentials CredentialModel
	Timeout     time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Applier executes, confirms, and checkpoints single commits.
type Applier struct {
	decrypter   Decrypter
	confirmer   Confirmer
	store       CursorStore
	credentials CredentialModel
	timeout     time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewApplier validates the configuration and returns an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Decrypter == nil {
		return nil, errMissingDecrypter
	}
	if cfg.Confirmer == nil {
		return nil, errMissingConfirmer
	}
	if cfg.Store == nil {
		return nil, errMissingCursorStore
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		decrypter:   cfg.Decrypter,
		confirmer:   cfg.Confirmer,
		store:       cfg.Store,
		credentials: cfg.Credentials,
		timeout:     timeout,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Apply disposes of one commit and advances the device cursor once the platform accepted the
// outcome. On error the cursor is left where it was.
func (applier *Applier) Apply(ctx context.Context, target Target, commit Commit, observer Observer) (Outcome, error) {
	if observer == nil {
		observer = nopObserver{}
	}
	started := applier.clock()
	outcome := Outcome{CommitID: commit.CommitID, Type: commit.Type()}

	var err error
	switch outcome.Type {
	case CommitTypeApduPackage:
		err = applier.applyPackage(ctx, target, commit, observer, &outcome)
	case CommitTypeUnknown:
		outcome.Skipped = true
		err = applier.confirm(ctx, commit, ConfirmResultSuccess, observer, &outcome)
	default:
		err = applier.applyLifecycle(ctx, target, commit, observer, &outcome)
	}
	if err != nil {
		return outcome, err
	}

	if err := applier.advance(ctx, target, commit); err != nil {
		return outcome, err
	}
	outcome.Duration = applier.clock().Sub(started)
	return outcome, nil
}

func (applier *Applier) applyPackage(ctx context.Context, target Target, commit Commit, observer Observer, outcome *Outcome) error {
	var pkg ApduPackage
	if err := applier.decrypter.Decrypt(ctx, commit.EncryptedData, &pkg); err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrPayloadUnavailable, commit.CommitID, err)
	}

	expired, err := pkg.Expired(applier.clock())
	if err != nil {
		applier.logger.Warn("apdu package rejected",
			zap.String("commit_id", commit.CommitID),
			zap.String("package_id", pkg.PackageID),
			zap.Error(err))
		outcome.PackageState = ApduPackageStateFailed
		return applier.report(ctx, commit, ApduExecutionResult{
			PackageID:     pkg.PackageID,
			State:         ApduPackageStateFailed,
			ErrorReason:   err.Error(),
			ApduResponses: []ApduResponse{},
		}, observer, outcome)
	}
	if expired {
		applier.logger.Info("apdu package expired",
			zap.String("commit_id", commit.CommitID),
			zap.String("package_id", pkg.PackageID))
		outcome.PackageState = ApduPackageStateExpired
		return applier.report(ctx, commit, ApduExecutionResult{
			PackageID:     pkg.PackageID,
			State:         ApduPackageStateExpired,
			ApduResponses: []ApduResponse{},
		}, observer, outcome)
	}

	result, err := applier.execute(ctx, target.Connector, commit, pkg, observer)
	outcome.PackageState = result.State
	outcome.Responses = result.ApduResponses
	if err != nil {
		return err
	}
	return applier.report(ctx, commit, result, observer, outcome)
}

// execute runs groups in ascending id and commands in ascending sequence. A failed command
// without continueOnFailure stops the package; with it, the rest of its group still runs but
// no later group starts.
func (applier *Applier) execute(ctx context.Context, connector device.Connector, commit Commit, pkg ApduPackage, observer Observer) (ApduExecutionResult, error) {
	started := applier.clock()
	result := ApduExecutionResult{
		PackageID:     pkg.PackageID,
		State:         ApduPackageStateProcessed,
		ApduResponses: make([]ApduResponse, 0, len(pkg.Commands)),
	}
	total := len(pkg.Commands)

groups:
	for _, group := range pkg.Groups() {
		groupFailed := false
		for _, command := range group {
			raw, err := hex.DecodeString(strings.TrimSpace(command.Command))
			if err != nil {
				result.State = ApduPackageStateFailed
				result.ErrorReason = "invalid command encoding for " + command.CommandID
				break groups
			}

			response, err := applier.send(ctx, connector, raw)
			if err != nil {
				result.State = ApduPackageStateFailed
				return result, err
			}

			code, succeeded := statusWord(response)
			result.ApduResponses = append(result.ApduResponses, ApduResponse{
				CommandID:    command.CommandID,
				ResponseCode: code,
				ResponseData: strings.ToUpper(hex.EncodeToString(response)),
			})
			observer.CommandExecuted(commit, CommandProgress{
				CommandID:    command.CommandID,
				GroupID:      command.GroupID,
				Sequence:     command.Sequence,
				Index:        len(result.ApduResponses),
				Total:        total,
				ResponseCode: code,
				Succeeded:    succeeded,
			})
			if succeeded {
				continue
			}
			result.State = ApduPackageStateFailed
			if !command.ContinueOnFailure {
				break groups
			}
			groupFailed = true
		}
		if groupFailed {
			break
		}
	}

	finished := applier.clock()
	result.ExecutedTsEpoch = finished.UnixMilli()
	result.ExecutedDuration = int64(finished.Sub(started) / time.Second)
	return result, nil
}

func (applier *Applier) send(ctx context.Context, connector device.Connector, command []byte) ([]byte, error) {
	if connector == nil {
		return nil, fmt.Errorf("%w: no connector", ErrDeviceWasDisconnected)
	}
	commandCtx, cancel := context.WithTimeout(ctx, applier.timeout)
	defer cancel()
	response, err := connector.ExecuteAPDU(commandCtx, command)
	if err != nil {
		if errors.Is(err, device.ErrRejected) && ctx.Err() == nil {
			return nil, fmt.Errorf("commits: apdu rejected: %w", err)
		}
		return nil, classifyDeviceError(ctx, commandCtx, err, ErrApduSendingTimeout)
	}
	return response, nil
}

func (applier *Applier) applyLifecycle(ctx context.Context, target Target, commit Commit, observer Observer, outcome *Outcome) error {
	processingCtx, cancel := context.WithTimeout(ctx, applier.timeout)
	defer cancel()

	var card CreditCard
	if err := applier.decrypter.Decrypt(processingCtx, commit.EncryptedData, &card); err != nil {
		if processingCtx.Err() != nil {
			return classifyDeviceError(ctx, processingCtx, err, ErrNonApduProcessingTimeout)
		}
		return fmt.Errorf("%w: commit %s: %w", ErrPayloadUnavailable, commit.CommitID, err)
	}

	result := ConfirmResultSuccess
	if applier.credentials != nil {
		err := applier.credentials.ApplyCredentialCommit(processingCtx, target.UserID, target.DeviceID, outcome.Type, card)
		if err != nil {
			if processingCtx.Err() != nil {
				return classifyDeviceError(ctx, processingCtx, err, ErrNonApduProcessingTimeout)
			}
			if !errors.Is(err, ErrCredentialRejected) {
				return fmt.Errorf("commits: apply %s: %w", commit.CommitID, err)
			}
			applier.logger.Warn("credential commit rejected",
				zap.String("commit_id", commit.CommitID),
				zap.String("commit_type", string(outcome.Type)),
				zap.Error(err))
			result = ConfirmResultFailed
		}
	}
	if ctx.Err() != nil {
		return classifyDeviceError(ctx, processingCtx, ctx.Err(), ErrNonApduProcessingTimeout)
	}
	return applier.confirm(ctx, commit, result, observer, outcome)
}

func (applier *Applier) confirm(ctx context.Context, commit Commit, result ConfirmResult, observer Observer, outcome *Outcome) error {
	outcome.Result = result
	url, ok := commit.ConfirmURL()
	if !ok {
		applier.logger.Debug("commit has no confirm link", zap.String("commit_id", commit.CommitID))
		return nil
	}
	observer.Confirming(commit)
	if err := applier.confirmer.ConfirmCommit(ctx, url, result); err != nil {
		return fmt.Errorf("commits: confirm %s: %w", commit.CommitID, err)
	}
	outcome.Confirmed = true
	return nil
}

func (applier *Applier) report(ctx context.Context, commit Commit, result ApduExecutionResult, observer Observer, outcome *Outcome) error {
	if result.State == ApduPackageStateFailed {
		outcome.Result = ConfirmResultFailed
	} else {
		outcome.Result = ConfirmResultSuccess
	}
	url, ok := commit.ApduResponseURL()
	if !ok {
		applier.logger.Debug("commit has no apduResponse link", zap.String("commit_id", commit.CommitID))
		return nil
	}
	observer.Confirming(commit)
	if err := applier.confirmer.SendApduResponse(ctx, url, result); err != nil {
		return fmt.Errorf("commits: report apdu response %s: %w", commit.CommitID, err)
	}
	outcome.Confirmed = true
	return nil
}

// advance records the commit on the device when it keeps its own cursor, then persists it.
func (applier *Applier) advance(ctx context.Context, target Target, commit Commit) error {
	if target.Connector != nil {
		err := device.RecordAppliedCommit(ctx, target.Connector, commit.CommitID)
		if err != nil && !errors.Is(err, device.ErrUnsupported) {
			applier.logger.Warn("device commit record failed",
				zap.String("device_id", target.DeviceID),
				zap.String("commit_id", commit.CommitID),
				zap.Error(err))
		}
	}
	if err := applier.store.SetLastCommitID(ctx, target.DeviceID, commit.CommitID); err != nil {
		return fmt.Errorf("commits: persist cursor %s: %w", commit.CommitID, err)
	}
	return nil
}

// classifyDeviceError maps a failed device or processing call. An interrupted parent context
// yields its cause; an expired bounded context yields timeout; anything else is a lost link.
func classifyDeviceError(parent context.Context, bounded context.Context, err error, timeout error) error {
	if parent.Err() != nil {
		if cause := context.Cause(parent); cause != nil {
			return cause
		}
		return parent.Err()
	}
	if errors.Is(bounded.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", timeout, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceWasDisconnected, err)
}

// statusWord returns the ISO 7816 trailer as hex and whether it is 9000.
func statusWord(response []byte) (string, bool) {
	if len(response) < 2 {
		return "", false
	}
	rapdu, err := apdu.ParseRapdu(response)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%02X%02X", rapdu.SW1, rapdu.SW2), rapdu.SW1 == 0x90 && rapdu.SW2 == 0x00
}
