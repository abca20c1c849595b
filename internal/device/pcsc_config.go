package device

import (
	"errors"

	"go.uber.org/zap"
)

var errMissingReader = errors.New("device: pcsc reader name is required")

// PCSCConfig configures a connector that reaches the secure element through a PC/SC reader.
type PCSCConfig struct {
	DeviceID string
	Reader   string
	Logger   *zap.Logger
}
