// Package keystroke captures key-down events system-wide and hands them to
// the classifier as Event values.
//
// Only the virtual key code and the input-method composition state are
// kept. No characters or text are reconstructed.
//
// Platform support:
// - Windows: WH_KEYBOARD_LL hook (user-mode, no privileges)
// - Linux: /dev/input/event* (requires input group or root)
// - others: not available
package keystroke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Code is a virtual key code. Keys the classifier recognizes use the
// Windows VK numbering on every platform.
type Code uint32

const (
	CodeBackspace Code = 0x08
	CodeReturn    Code = 0x0D
	CodeLeft      Code = 0x25
	CodeUp        Code = 0x26
	CodeRight     Code = 0x27
	CodeDown      Code = 0x28
)

// codeRawBase marks platform codes that have no VK equivalent.
const codeRawBase Code = 0x10000

// IsBackspace reports whether c is the backspace key.
func (c Code) IsBackspace() bool { return c == CodeBackspace }

// IsReturn reports whether c is the return key.
func (c Code) IsReturn() bool { return c == CodeReturn }

// IsArrow reports whether c is one of the four arrow keys.
func (c Code) IsArrow() bool {
	switch c {
	case CodeLeft, CodeUp, CodeRight, CodeDown:
		return true
	}
	return false
}

func (c Code) String() string {
	switch c {
	case CodeBackspace:
		return "backspace"
	case CodeReturn:
		return "return"
	case CodeLeft:
		return "left"
	case CodeUp:
		return "up"
	case CodeRight:
		return "right"
	case CodeDown:
		return "down"
	}
	if c >= codeRawBase {
		return fmt.Sprintf("raw:%d", uint32(c-codeRawBase))
	}
	return fmt.Sprintf("vk:0x%02X", uint32(c))
}

// Event is one key-down.
type Event struct {
	Code Code `json:"code"`

	// Composing is true when an input method was converting text at the
	// moment the key went down.
	Composing bool `json:"composing,omitempty"`
}

// Sink receives events from a capture. It must not block.
type Sink func(Event) error

// Capture is a system-wide keyboard listener.
type Capture interface {
	// Start installs the listener and begins delivering events to sink.
	// The listener is removed when ctx is cancelled or Stop is called.
	Start(ctx context.Context, sink Sink) error

	// Stop removes the listener. Safe to call more than once.
	Stop() error

	// Available reports whether the listener can be installed with the
	// current permissions, with a human-readable reason.
	Available() (bool, string)

	// Stats returns delivery counters.
	Stats() Stats
}

// Stats counts what a capture did with the events it saw.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Rejected  uint64 `json:"rejected"`
}

var (
	// ErrNotAvailable is returned when keyboard capture isn't available.
	ErrNotAvailable = errors.New("keyboard capture not available on this platform")

	// ErrPermissionDenied is returned when permissions are insufficient.
	ErrPermissionDenied = errors.New("insufficient permissions for keyboard capture")

	// ErrAlreadyRunning is returned when Start is called while already running.
	ErrAlreadyRunning = errors.New("capture already running")

	// ErrNotRunning is returned when events are fed to a stopped capture.
	ErrNotRunning = errors.New("capture not running")
)

// New creates the Capture for the current platform.
func New(logger *slog.Logger) Capture {
	return newPlatformCapture(logger)
}

// BaseCapture provides common functionality for platform implementations.
type BaseCapture struct {
	mu      sync.RWMutex
	running bool
	sink    Sink
	logger  *slog.Logger

	// limiter throttles the error log on the delivery path, which runs
	// once per keystroke.
	limiter *rate.Limiter

	delivered atomic.Uint64
	rejected  atomic.Uint64
}

func newBaseCapture(logger *slog.Logger) BaseCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return BaseCapture{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

func (b *BaseCapture) begin(sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	b.running = true
	b.sink = sink
	return nil
}

func (b *BaseCapture) end() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return false
	}
	b.running = false
	b.sink = nil
	return true
}

// IsRunning returns the running state.
func (b *BaseCapture) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Stats returns delivery counters.
func (b *BaseCapture) Stats() Stats {
	return Stats{
		Delivered: b.delivered.Load(),
		Rejected:  b.rejected.Load(),
	}
}

// emit hands ev to the sink. A failing sink never stops the capture.
func (b *BaseCapture) emit(ev Event) error {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink == nil {
		return ErrNotRunning
	}
	if err := sink(ev); err != nil {
		n := b.rejected.Add(1)
		if b.limiter.Allow() {
			b.logger.Error("failed to send key", "code", ev.Code, "rejected_total", n, "error", err)
		}
		return err
	}
	b.delivered.Add(1)
	return nil
}
