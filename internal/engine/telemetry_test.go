package engine

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTelemetryReporterObservesSyncerOperations(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reporter := NewTelemetryReporter(zap.New(core))
	fixture := newEngineFixture(t, jsonDecrypter{}, time.Second,
		cardCommit("c1", commits.CommitTypeCreditCardCreated),
		apduCommit(t, "c2", 2),
		commits.Commit{CommitID: "c3", RawType: "LOYALTY_CARD_ADDED"},
	)
	syncer := fixture.syncer(t, reporter)

	result := syncer.Run(context.Background(), fixture.request(device.NewEmulator(device.EmulatorConfig{DeviceID: "device-1"})))
	require.True(t, result.Succeeded(), "unexpected failure: %v", result.Err)

	failing := device.NewEmulator(device.EmulatorConfig{DeviceID: "device-1", ConnectDelay: time.Second})
	failed := fixture.syncer(t, reporter)
	failed.config.ConnectTimeout = 10 * time.Millisecond
	require.False(t, failed.Run(context.Background(), fixture.request(failing)).Succeeded())

	snapshot := reporter.Snapshot()
	require.Equal(t, 2, snapshot.Operations)
	require.Equal(t, 1, snapshot.Succeeded)
	require.Equal(t, 1, snapshot.Failed)
	require.Equal(t, map[FailureReason]int{ReasonDeviceWasDisconnected: 1}, snapshot.FailureReasons)
	require.Equal(t, 1, snapshot.CommitsByType[commits.CommitTypeCreditCardCreated])
	require.Equal(t, 1, snapshot.CommitsByType[commits.CommitTypeApduPackage])
	require.Equal(t, 1, snapshot.CommitsByType[commits.CommitTypeUnknown])
	require.Equal(t, 1, snapshot.UnknownCommits)
	require.Equal(t, 2, snapshot.CommandsExecuted)
	require.Zero(t, snapshot.CommandsFailed)
	require.Equal(t, 3, snapshot.CommitDuration.Count)
	require.Equal(t, 2, snapshot.SyncDuration.Count)

	require.Equal(t, 3, logs.FilterMessage("commit processed").Len())
	finished := logs.FilterMessage("sync operation finished").All()
	require.Len(t, finished, 2)
	require.Equal(t, "success", finished[0].ContextMap()["status"])
	require.Equal(t, "failed", finished[1].ContextMap()["status"])
	require.Equal(t, string(ReasonDeviceWasDisconnected), finished[1].ContextMap()["reason"])
}

func TestTelemetrySnapshotIsACopy(t *testing.T) {
	reporter := NewTelemetryReporter(nil)
	started := time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC)
	reporter.Record(Event{OperationID: "op-1", Type: EventStateChanged, Timestamp: started})
	reporter.Record(Event{OperationID: "op-1", Type: EventSyncFailed, Reason: ReasonApduSendingTimeout, Timestamp: started.Add(3 * time.Second)})

	snapshot := reporter.Snapshot()
	snapshot.FailureReasons[ReasonApduSendingTimeout] = 99

	fresh := reporter.Snapshot()
	require.Equal(t, 1, fresh.FailureReasons[ReasonApduSendingTimeout])
	require.Equal(t, 3*time.Second, fresh.SyncDuration.Max)
	require.Equal(t, 3*time.Second, fresh.SyncDuration.Average)
}
