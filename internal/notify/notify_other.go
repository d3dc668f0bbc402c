//go:build !linux && !windows

package notify

import "log/slog"

func newPlatformNotifier(logger *slog.Logger) (Notifier, error) {
	return nil, ErrUnavailable
}
