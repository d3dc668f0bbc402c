//go:build linux

package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Desktop notification D-Bus constants
const (
	notificationsService = "org.freedesktop.Notifications"
	notificationsPath    = "/org/freedesktop/Notifications"
	notificationsNotify  = "org.freedesktop.Notifications.Notify"

	appName = "oopstime"

	// urgencyNormal is the "urgency" hint value for normal notifications.
	urgencyNormal byte = 1
)

// DBus sends alerts through org.freedesktop.Notifications.
type DBus struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	logger *slog.Logger
}

func newPlatformNotifier(logger *slog.Logger) (Notifier, error) {
	return NewDBus(logger)
}

// NewDBus connects to the session bus.
func NewDBus(logger *slog.Logger) (*DBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &DBus{conn: conn, logger: logger}, nil
}

// Show posts a notification. The server displays it asynchronously.
func (d *DBus) Show(title, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return ErrUnavailable
	}

	obj := d.conn.Object(notificationsService, notificationsPath)
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgencyNormal),
	}

	var id uint32
	call := obj.Call(notificationsNotify, 0,
		appName,    // app_name
		uint32(0),  // replaces_id
		"",         // app_icon
		title,      // summary
		body,       // body
		[]string{}, // actions
		hints,      // hints
		int32(-1),  // expire_timeout: server default
	)
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	d.logger.Debug("notification posted", "id", id)
	return nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
