//go:build linux

package keystroke

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
)

// fcitx5 controller D-Bus constants
const (
	fcitxService = "org.fcitx.Fcitx5"
	fcitxPath    = "/controller"
	fcitxState   = "org.fcitx.Fcitx.Controller1.State"

	// fcitxStateActive is returned by State while an input method is
	// converting. 1 means inactive, 0 means closed.
	fcitxStateActive = 2
)

// FcitxPollInterval is how often FcitxProbe refreshes its cached state.
const FcitxPollInterval = 250 * time.Millisecond

// FcitxProbe polls fcitx5 over the session bus and caches the answer so
// Composing never performs I/O.
type FcitxProbe struct {
	conn     *dbus.Conn
	obj      dbus.BusObject
	logger   *slog.Logger
	interval time.Duration

	state  atomic.Bool
	failed atomic.Bool
}

// NewFcitxProbe connects to the session bus.
func NewFcitxProbe(logger *slog.Logger) (*FcitxProbe, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &FcitxProbe{
		conn:     conn,
		obj:      conn.Object(fcitxService, fcitxPath),
		logger:   logger,
		interval: FcitxPollInterval,
	}, nil
}

// Composing returns the cached state from the last poll.
func (p *FcitxProbe) Composing() bool {
	return p.state.Load()
}

// Run polls until ctx is cancelled, then closes the bus connection.
func (p *FcitxProbe) Run(ctx context.Context) {
	defer p.conn.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *FcitxProbe) poll(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	var state int32
	err := p.obj.CallWithContext(callCtx, fcitxState, 0).Store(&state)
	if err != nil {
		// fcitx5 not running is the common case; log the transition once.
		if !p.failed.Swap(true) {
			p.logger.Debug("fcitx5 state unavailable, assuming no composition", "error", err)
		}
		p.state.Store(false)
		return
	}
	if p.failed.Swap(false) {
		p.logger.Debug("fcitx5 state available")
	}
	p.state.Store(state == fcitxStateActive)
}
