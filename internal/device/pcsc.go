//go:build pcsc

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"
	"go.uber.org/zap"
)

// PCSCConnector drives a contact or contactless reader through the platform PC/SC stack.
type PCSCConnector struct {
	Broadcaster

	config  PCSCConfig
	logger  *zap.Logger
	mu      sync.Mutex
	context *scard.Context
	card    *scard.Card
}

// NewPCSC returns an unconnected PCSCConnector.
func NewPCSC(cfg PCSCConfig) (Connector, error) {
	connector, err := NewPCSCConnector(cfg)
	if err != nil {
		return nil, err
	}
	return connector, nil
}

// NewPCSCConnector validates cfg and returns an unconnected PCSCConnector.
func NewPCSCConnector(cfg PCSCConfig) (*PCSCConnector, error) {
	if cfg.Reader == "" {
		return nil, errMissingReader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PCSCConnector{config: cfg, logger: logger}, nil
}

// Connect establishes a PC/SC context and opens the card in exclusive mode.
func (connector *PCSCConnector) Connect(ctx context.Context) error {
	_, err := runBlocking(ctx, func() ([]byte, error) {
		connector.mu.Lock()
		defer connector.mu.Unlock()
		pcscContext, err := scard.EstablishContext()
		if err != nil {
			return nil, err
		}
		card, err := pcscContext.Connect(connector.config.Reader, scard.ShareExclusive, scard.ProtocolAny)
		if err != nil {
			_ = pcscContext.Release()
			return nil, err
		}
		connector.context = pcscContext
		connector.card = card
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	connector.Publish(Event{Type: EventConnected, DeviceID: connector.config.DeviceID})
	return nil
}

// Disconnect leaves the card powered and releases the PC/SC context.
func (connector *PCSCConnector) Disconnect(context.Context) error {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.card == nil {
		return nil
	}
	cardErr := connector.card.Disconnect(scard.LeaveCard)
	contextErr := connector.context.Release()
	connector.card = nil
	connector.context = nil
	connector.Publish(Event{Type: EventDisconnected, DeviceID: connector.config.DeviceID})
	return errors.Join(cardErr, contextErr)
}

// ExecuteAPDU transmits command to the card.
func (connector *PCSCConnector) ExecuteAPDU(ctx context.Context, command []byte) ([]byte, error) {
	response, err := runBlocking(ctx, func() ([]byte, error) {
		connector.mu.Lock()
		defer connector.mu.Unlock()
		if connector.card == nil {
			return nil, ErrDisconnected
		}
		return connector.card.Transmit(command)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrDisconnected) {
			return nil, err
		}
		connector.logger.Warn("pcsc transmit failed", zap.String("reader", connector.config.Reader), zap.Error(err))
		connector.Publish(Event{Type: EventDisconnected, DeviceID: connector.config.DeviceID, Err: err})
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	connector.Publish(Event{Type: EventCommandExecuted, DeviceID: connector.config.DeviceID, Response: response})
	return response, nil
}

// runBlocking runs a PC/SC call, which has no cancellation, and stops waiting when ctx ends.
func runBlocking(ctx context.Context, call func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := call()
		done <- result{data: data, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-done:
		return outcome.data, outcome.err
	}
}
