package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const consumerBuffer = 1024

// SyncerConfig wires the operations a Syncer creates.
type SyncerConfig struct {
	Fetcher                CommitFetcher
	Applier                CommitApplier
	Keys                   KeyInvalidator
	Consumers              []EventConsumer
	ConnectTimeout         time.Duration
	ResumeFromSyncedCommit bool
	Clock                  func() time.Time
	Logger                 *zap.Logger
}

// Syncer is the queue's Runner: it builds one Operation per request and hands its event
// stream to every consumer.
type Syncer struct {
	config SyncerConfig
	logger *zap.Logger
}

// NewSyncer validates the configuration and returns a Syncer.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Syncer{config: cfg, logger: cfg.Logger}, nil
}

// Run executes request and returns once every consumer has drained the operation's events.
func (syncer *Syncer) Run(ctx context.Context, request Request) Result {
	operation, err := NewOperation(OperationConfig{
		Request:                request,
		Fetcher:                syncer.config.Fetcher,
		Applier:                syncer.config.Applier,
		Keys:                   syncer.config.Keys,
		ConnectTimeout:         syncer.config.ConnectTimeout,
		ResumeFromSyncedCommit: syncer.config.ResumeFromSyncedCommit,
		Clock:                  syncer.config.Clock,
		Logger:                 syncer.logger,
	})
	if err != nil {
		syncer.logger.Error("sync operation rejected",
			zap.String("device_id", request.Device.DeviceID),
			zap.Error(err))
		return rejected(request, err)
	}

	var consumers sync.WaitGroup
	for _, consumer := range syncer.config.Consumers {
		events, _ := operation.Subscribe(consumerBuffer)
		consumers.Add(1)
		go func(consumer EventConsumer) {
			defer consumers.Done()
			consumer.Consume(events)
		}(consumer)
	}

	result := operation.Run(ctx)
	consumers.Wait()
	return result
}
