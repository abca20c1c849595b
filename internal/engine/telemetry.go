package engine

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"go.uber.org/zap"
)

// DurationStats aggregates observed durations.
type DurationStats struct {
	Count   int           `json:"count"`
	Total   time.Duration `json:"totalNs"`
	Min     time.Duration `json:"minNs"`
	Max     time.Duration `json:"maxNs"`
	Average time.Duration `json:"averageNs"`
}

func (stats *DurationStats) observe(duration time.Duration) {
	if stats.Count == 0 || duration < stats.Min {
		stats.Min = duration
	}
	if duration > stats.Max {
		stats.Max = duration
	}
	stats.Count++
	stats.Total += duration
	stats.Average = stats.Total / time.Duration(stats.Count)
}

// TelemetrySnapshot is a point-in-time copy of the reporter's counters.
type TelemetrySnapshot struct {
	Operations       int                        `json:"operations"`
	Succeeded        int                        `json:"succeeded"`
	Failed           int                        `json:"failed"`
	FailureReasons   map[FailureReason]int      `json:"failureReasons"`
	CommitsByType    map[commits.CommitType]int `json:"commitsByType"`
	UnknownCommits   int                        `json:"unknownCommits"`
	CommandsExecuted int                        `json:"commandsExecuted"`
	CommandsFailed   int                        `json:"commandsFailed"`
	CommitDuration   DurationStats              `json:"commitDuration"`
	SyncDuration     DurationStats              `json:"syncDuration"`
}

// TelemetryReporter observes operation events and keeps commit and sync statistics. It never
// influences the operations it watches.
type TelemetryReporter struct {
	logger *zap.Logger

	mu       sync.Mutex
	started  map[string]time.Time
	snapshot TelemetrySnapshot
}

// NewTelemetryReporter returns an empty reporter.
func NewTelemetryReporter(logger *zap.Logger) *TelemetryReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelemetryReporter{
		logger:  logger,
		started: make(map[string]time.Time),
		snapshot: TelemetrySnapshot{
			FailureReasons: make(map[FailureReason]int),
			CommitsByType:  make(map[commits.CommitType]int),
		},
	}
}

// Consume records events until the stream closes.
func (reporter *TelemetryReporter) Consume(events <-chan Event) {
	for event := range events {
		reporter.Record(event)
	}
}

// Record folds one event into the statistics.
func (reporter *TelemetryReporter) Record(event Event) {
	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	if _, ok := reporter.started[event.OperationID]; !ok {
		reporter.started[event.OperationID] = event.Timestamp
	}

	switch event.Type {
	case EventApduProgress:
		if event.Command == nil {
			return
		}
		reporter.snapshot.CommandsExecuted++
		if !event.Command.Succeeded {
			reporter.snapshot.CommandsFailed++
		}
	case EventUnknownCommit:
		reporter.snapshot.UnknownCommits++
	case EventCommitProcessed:
		if event.Outcome == nil {
			return
		}
		reporter.snapshot.CommitsByType[event.Outcome.Type]++
		reporter.snapshot.CommitDuration.observe(event.Outcome.Duration)
		reporter.logger.Info("commit processed",
			zap.String("operation_id", event.OperationID),
			zap.String("device_id", event.DeviceID),
			zap.String("commit_id", event.CommitID),
			zap.String("commit_type", string(event.Outcome.Type)),
			zap.String("result", string(event.Outcome.Result)),
			zap.Duration("duration", event.Outcome.Duration))
	case EventSyncCompleted, EventSyncFailed:
		duration := event.Timestamp.Sub(reporter.started[event.OperationID])
		delete(reporter.started, event.OperationID)
		reporter.snapshot.Operations++
		reporter.snapshot.SyncDuration.observe(duration)
		status := StatusSuccess
		if event.Type == EventSyncFailed {
			status = StatusFailed
			reporter.snapshot.Failed++
			reporter.snapshot.FailureReasons[event.Reason]++
		} else {
			reporter.snapshot.Succeeded++
		}
		reporter.logger.Info("sync operation finished",
			zap.String("operation_id", event.OperationID),
			zap.String("device_id", event.DeviceID),
			zap.String("status", string(status)),
			zap.String("reason", string(event.Reason)),
			zap.String("cursor", event.Cursor),
			zap.Duration("duration", duration))
	}
}

// Snapshot returns a copy of the current statistics.
func (reporter *TelemetryReporter) Snapshot() TelemetrySnapshot {
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	snapshot := reporter.snapshot
	snapshot.FailureReasons = make(map[FailureReason]int, len(reporter.snapshot.FailureReasons))
	for reason, count := range reporter.snapshot.FailureReasons {
		snapshot.FailureReasons[reason] = count
	}
	snapshot.CommitsByType = make(map[commits.CommitType]int, len(reporter.snapshot.CommitsByType))
	for commitType, count := range reporter.snapshot.CommitsByType {
		snapshot.CommitsByType[commitType] = count
	}
	return snapshot
}
