//go:build !linux && !windows

package keystroke

import (
	"context"
	"log/slog"
)

// StubCapture is used on unsupported platforms.
type StubCapture struct {
	BaseCapture
}

func newPlatformCapture(logger *slog.Logger) Capture {
	return &StubCapture{BaseCapture: newBaseCapture(logger)}
}

// Available returns false on unsupported platforms.
func (s *StubCapture) Available() (bool, string) {
	return false, "keyboard capture not implemented for this platform"
}

// Start returns an error on unsupported platforms.
func (s *StubCapture) Start(ctx context.Context, sink Sink) error {
	return ErrNotAvailable
}

// Stop is a no-op on unsupported platforms.
func (s *StubCapture) Stop() error {
	return nil
}
