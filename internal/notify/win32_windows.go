//go:build windows

package notify

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/windows"
)

const (
	mbOK              = 0x00000000
	mbIconInformation = 0x00000040
	mbSystemModal     = 0x00001000
	mbSetForeground   = 0x00010000
)

// Win32 shows alerts in a system-modal message box. The box runs on its
// own goroutine so Show returns before the user dismisses it.
type Win32 struct {
	logger *slog.Logger
}

func newPlatformNotifier(logger *slog.Logger) (Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Win32{logger: logger}, nil
}

// Show opens the message box.
func (w *Win32) Show(title, body string) error {
	caption, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return fmt.Errorf("encode title: %w", err)
	}
	text, err := windows.UTF16PtrFromString(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	go func() {
		_, err := windows.MessageBox(0, text, caption, mbOK|mbIconInformation|mbSystemModal|mbSetForeground)
		if err != nil {
			w.logger.Error("message box failed", "error", err)
		}
	}()
	return nil
}
