//go:build !pcsc

package device

import "errors"

var errPCSCDisabled = errors.New("device: binary built without pcsc support (build with -tags pcsc)")

// NewPCSC reports that PC/SC support was not compiled in.
func NewPCSC(cfg PCSCConfig) (Connector, error) {
	if cfg.Reader == "" {
		return nil, errMissingReader
	}
	return nil, errPCSCDisabled
}
