//go:build linux

package keystroke

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinuxCapture reads /dev/input keyboards on Linux.
type LinuxCapture struct {
	BaseCapture
	probe      IMEProbe
	ownedProbe bool

	stopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPlatformCapture(logger *slog.Logger) Capture {
	return NewLinuxCapture(logger, nil)
}

// NewLinuxCapture creates an evdev capture. When probe is nil, Start
// tries to attach an FcitxProbe and falls back to "never composing".
func NewLinuxCapture(logger *slog.Logger, probe IMEProbe) *LinuxCapture {
	return &LinuxCapture{
		BaseCapture: newBaseCapture(logger),
		probe:       probe,
	}
}

// Available checks if we can read input devices.
func (l *LinuxCapture) Available() (bool, string) {
	devices, err := findKeyboardDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}

	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}

	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// findKeyboardDevices finds /dev/input devices that are keyboards.
func findKeyboardDevices() ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var devices []string
	add := func(dev string) {
		if resolved, err := filepath.EvalSymlinks(dev); err == nil {
			dev = resolved
		}
		if !seen[dev] {
			seen[dev] = true
			devices = append(devices, dev)
		}
	}

	scanner := bufio.NewScanner(f)
	var currentHandler string
	isKeyboard := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "H: Handlers=") {
			fields := strings.Fields(line)
			for _, part := range fields {
				if strings.HasPrefix(part, "event") {
					currentHandler = "/dev/input/" + part
				}
				// the kbd handler is attached only to real keyboards
				if part == "kbd" {
					isKeyboard = true
				}
			}
		}

		if line == "" {
			if isKeyboard && currentHandler != "" {
				add(currentHandler)
			}
			currentHandler = ""
			isKeyboard = false
		}
	}
	if isKeyboard && currentHandler != "" {
		add(currentHandler)
	}

	matches, _ := filepath.Glob("/dev/input/by-id/*-kbd")
	for _, m := range matches {
		add(m)
	}

	return devices, scanner.Err()
}

// Start opens every readable keyboard and begins delivering key-downs.
func (l *LinuxCapture) Start(ctx context.Context, sink Sink) error {
	devices, err := findKeyboardDevices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	var fds []int
	var paths []string
	for _, dev := range devices {
		fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			l.logger.Debug("skipping input device", "device", dev, "error", err)
			continue
		}
		fds = append(fds, fd)
		paths = append(paths, dev)
	}
	if len(fds) == 0 {
		return fmt.Errorf("open keyboard devices: %w", ErrPermissionDenied)
	}

	if err := l.begin(sink); err != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.stopMu.Lock()
	l.cancel = cancel
	l.stopMu.Unlock()

	if l.probe == nil {
		probe, err := NewFcitxProbe(l.logger)
		if err != nil {
			l.logger.Info("input method probe unavailable", "error", err)
			l.probe = &StaticProbe{}
		} else {
			l.probe = probe
			l.ownedProbe = true
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				probe.Run(runCtx)
			}()
		}
	}

	for i, fd := range fds {
		l.wg.Add(1)
		go func(fd int, path string) {
			defer l.wg.Done()
			l.readDevice(runCtx, fd, path)
		}(fd, paths[i])
	}

	l.logger.Info("keyboard capture started", "devices", paths)
	return nil
}

// Stop closes all devices and waits for the readers to exit.
func (l *LinuxCapture) Stop() error {
	l.stopMu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.stopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	if l.ownedProbe {
		l.probe = nil
		l.ownedProbe = false
	}
	l.end()
	return nil
}

const (
	evKey    = 0x01
	keyPress = 1

	// poll timeout so readers notice cancellation
	pollTimeoutMs = 200
)

// inputEventSize is sizeof(struct input_event): a timeval followed by
// type (u16), code (u16) and value (s32).
var inputEventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

func (l *LinuxCapture) readDevice(ctx context.Context, fd int, path string) {
	defer unix.Close(fd)

	tvSize := inputEventSize - 8
	buf := make([]byte, inputEventSize*64)
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := unix.Poll(pfd, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Error("poll input device", "device", path, "error", err)
			return
		}
		if n == 0 {
			continue
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			l.logger.Warn("input device went away", "device", path)
			return
		}

		n, err = unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Warn("read input device", "device", path, "error", err)
			return
		}

		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			rec := buf[off : off+inputEventSize]
			typ := binary.NativeEndian.Uint16(rec[tvSize:])
			code := binary.NativeEndian.Uint16(rec[tvSize+2:])
			value := int32(binary.NativeEndian.Uint32(rec[tvSize+4:]))

			if typ != evKey || value != keyPress {
				continue
			}
			l.emit(Event{
				Code:      translateEvdev(code),
				Composing: l.probe.Composing(),
			})
		}
	}
}

// evdev key codes from linux/input-event-codes.h
const (
	evdevBackspace = 14
	evdevEnter     = 28
	evdevKPEnter   = 96
	evdevUp        = 103
	evdevLeft      = 105
	evdevRight     = 106
	evdevDown      = 108
)

// translateEvdev maps the evdev codes the classifier cares about onto VK
// numbers and moves everything else into the raw range.
func translateEvdev(code uint16) Code {
	switch code {
	case evdevBackspace:
		return CodeBackspace
	case evdevEnter, evdevKPEnter:
		return CodeReturn
	case evdevUp:
		return CodeUp
	case evdevLeft:
		return CodeLeft
	case evdevRight:
		return CodeRight
	case evdevDown:
		return CodeDown
	}
	return codeRawBase | Code(code)
}
