package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/config"
	"github.com/MarcoPoloResearchLab/sesync/internal/credentials"
	"github.com/MarcoPoloResearchLab/sesync/internal/database"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
	"github.com/MarcoPoloResearchLab/sesync/internal/envelope"
	"github.com/MarcoPoloResearchLab/sesync/internal/platform"
	"github.com/MarcoPoloResearchLab/sesync/internal/server"
	"go.uber.org/zap"
)

// daemon holds the long-lived components shared by the serve and sync commands.
type daemon struct {
	queue      *engine.Queue
	cursors    *commits.GormCursorStore
	telemetry  *engine.TelemetryReporter
	hub        *server.EventHub
	connectors *connectorRegistry
	close      func()
}

func newDaemon(appConfig config.AppConfig, logger *zap.Logger) (*daemon, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	cursors, err := commits.NewGormCursorStore(db, nil)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	credentialService, err := credentials.NewService(credentials.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	client, err := platform.NewClient(platform.ClientConfig{
		BaseURL:           appConfig.PlatformBaseURL,
		AccessToken:       appConfig.PlatformAccessToken,
		HTTPClient:        &http.Client{Timeout: appConfig.PlatformHTTPTimeout},
		RequestsPerSecond: appConfig.PlatformRequestsPerSecond,
		Burst:             appConfig.PlatformBurst,
		Logger:            logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	keys, err := envelope.NewKeyManager(envelope.KeyManagerConfig{Provider: client, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	keyedClient := client.WithKeySource(keys)

	fetcher, err := commits.NewFetcher(commits.FetcherConfig{
		Source:   keyedClient,
		Store:    cursors,
		PageSize: appConfig.PageSize,
		Logger:   logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	applier, err := commits.NewApplier(commits.ApplierConfig{
		Decrypter:   keys,
		Confirmer:   keyedClient,
		Store:       cursors,
		Credentials: credentialService,
		Timeout:     appConfig.CommandTimeout,
		Logger:      logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	telemetry := engine.NewTelemetryReporter(logger)
	hub := server.NewEventHub()
	syncer, err := engine.NewSyncer(engine.SyncerConfig{
		Fetcher:                fetcher,
		Applier:                applier,
		Keys:                   keys,
		Consumers:              []engine.EventConsumer{telemetry, hub},
		ConnectTimeout:         appConfig.ConnectTimeout,
		ResumeFromSyncedCommit: appConfig.ResumeFromSyncedCommit,
		Logger:                 logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	queue, err := engine.NewQueue(engine.QueueConfig{
		Runner:        syncer,
		Synchronous:   appConfig.Synchronous,
		MaxConcurrent: appConfig.MaxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &daemon{
		queue:      queue,
		cursors:    cursors,
		telemetry:  telemetry,
		hub:        hub,
		connectors: newConnectorRegistry(appConfig, logger),
		close: func() {
			_ = sqlDB.Close()
		},
	}, nil
}

// connectorRegistry hands out one connector per device so that replays and repeated syncs
// reuse the same link.
type connectorRegistry struct {
	config config.AppConfig
	logger *zap.Logger

	mu         sync.Mutex
	connectors map[string]device.Connector
}

func newConnectorRegistry(appConfig config.AppConfig, logger *zap.Logger) *connectorRegistry {
	return &connectorRegistry{
		config:     appConfig,
		logger:     logger,
		connectors: make(map[string]device.Connector),
	}
}

func (registry *connectorRegistry) resolve(descriptor device.Descriptor) (device.Connector, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if connector, ok := registry.connectors[descriptor.DeviceID]; ok {
		return connector, nil
	}

	var (
		connector device.Connector
		err       error
	)
	switch registry.config.DeviceTransport {
	case config.TransportEmulator:
		connector = device.NewEmulator(device.EmulatorConfig{DeviceID: descriptor.DeviceID, ReportsCommits: true})
	case config.TransportSocket:
		connector, err = device.NewSocketConnector(device.SocketConfig{
			DeviceID: descriptor.DeviceID,
			Network:  registry.config.DeviceSocketNetwork,
			Address:  registry.config.DeviceSocketAddress,
			Logger:   registry.logger,
		})
	case config.TransportPCSC:
		connector, err = device.NewPCSC(device.PCSCConfig{
			DeviceID: descriptor.DeviceID,
			Reader:   registry.config.DevicePCSCReader,
			Logger:   registry.logger,
		})
	default:
		err = fmt.Errorf("device transport %q is not supported", registry.config.DeviceTransport)
	}
	if err != nil {
		return nil, err
	}
	registry.connectors[descriptor.DeviceID] = connector
	registry.logger.Info("device connector created",
		zap.String("device_id", descriptor.DeviceID),
		zap.String("transport", registry.config.DeviceTransport))
	return connector, nil
}
