//go:build windows

package keystroke

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	imm32  = windows.NewLazySystemDLL("imm32.dll")
	kernel = windows.NewLazySystemDLL("kernel32.dll")

	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
	procGetForegroundWindow = user32.NewProc("GetForegroundWindow")
	procGetModuleHandleW    = kernel.NewProc("GetModuleHandleW")

	procImmGetContext          = imm32.NewProc("ImmGetContext")
	procImmReleaseContext      = imm32.NewProc("ImmReleaseContext")
	procImmGetConversionStatus = imm32.NewProc("ImmGetConversionStatus")
)

const (
	whKeyboardLL = 13
	wmQuit       = 0x0012
	wmKeyDown    = 0x0100
	wmSysKeyDown = 0x0104

	imeCmodeNative    = 0x0001
	imeCmodeFullShape = 0x0008
)

// kbdllHookStruct mirrors KBDLLHOOKSTRUCT.
type kbdllHookStruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

// winMsg mirrors MSG.
type winMsg struct {
	Hwnd     uintptr
	Message  uint32
	WParam   uintptr
	LParam   uintptr
	Time     uint32
	PtX      int32
	PtY      int32
	LPrivate uint32
}

// Only one low-level hook is installed per process; the callback finds
// its capture through activeCapture.
var (
	activeCapture atomic.Pointer[WindowsCapture]
	hookCallback  = sync.OnceValue(func() uintptr {
		return windows.NewCallback(lowLevelKeyboardProc)
	})
)

// WindowsCapture installs a WH_KEYBOARD_LL hook on a dedicated thread.
type WindowsCapture struct {
	BaseCapture

	// hookMu guards hook against the callback reading it mid-uninstall.
	hookMu sync.Mutex
	hook   uintptr

	threadID atomic.Uint32
	done     chan struct{}
}

func newPlatformCapture(logger *slog.Logger) Capture {
	return &WindowsCapture{BaseCapture: newBaseCapture(logger)}
}

// Available returns true; low-level hooks need no privileges.
func (w *WindowsCapture) Available() (bool, string) {
	if err := procSetWindowsHookExW.Find(); err != nil {
		return false, fmt.Sprintf("user32 unavailable: %v", err)
	}
	return true, "low-level keyboard hook"
}

// Start installs the hook. It returns once the hook is in place or has
// failed to install.
func (w *WindowsCapture) Start(ctx context.Context, sink Sink) error {
	if err := w.begin(sink); err != nil {
		return err
	}
	if !activeCapture.CompareAndSwap(nil, w) {
		w.end()
		return ErrAlreadyRunning
	}

	w.done = make(chan struct{})
	ready := make(chan error, 1)
	go w.hookThread(ready)

	if err := <-ready; err != nil {
		<-w.done
		activeCapture.CompareAndSwap(w, nil)
		w.end()
		return err
	}

	done := w.done
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-done:
		}
	}()

	w.logger.Info("keyboard hook installed")
	return nil
}

// Stop asks the hook thread to unhook and waits for it.
func (w *WindowsCapture) Stop() error {
	if !w.IsRunning() {
		return nil
	}
	if tid := w.threadID.Load(); tid != 0 {
		procPostThreadMessageW.Call(uintptr(tid), wmQuit, 0, 0)
	}
	if w.done != nil {
		<-w.done
	}
	activeCapture.CompareAndSwap(w, nil)
	w.end()
	return nil
}

func (w *WindowsCapture) hookThread(ready chan<- error) {
	// The hook callback runs on the installing thread's message loop.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	w.threadID.Store(windows.GetCurrentThreadId())
	defer w.threadID.Store(0)

	hmod, _, _ := procGetModuleHandleW.Call(0)
	h, _, err := procSetWindowsHookExW.Call(whKeyboardLL, hookCallback(), hmod, 0)
	if h == 0 {
		ready <- fmt.Errorf("SetWindowsHookExW: %w", err)
		return
	}
	w.hookMu.Lock()
	w.hook = h
	w.hookMu.Unlock()
	ready <- nil

	var m winMsg
	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		// 0 is WM_QUIT, -1 is an error
		if int32(r) <= 0 {
			break
		}
	}

	w.hookMu.Lock()
	h = w.hook
	w.hook = 0
	w.hookMu.Unlock()

	if r, _, err := procUnhookWindowsHookEx.Call(h); r == 0 {
		w.logger.Error("failed to unhook keyboard", "error", err)
		return
	}
	w.logger.Info("keyboard hook removed")
}

func lowLevelKeyboardProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	w := activeCapture.Load()

	if nCode >= 0 && w != nil && (wParam == wmKeyDown || wParam == wmSysKeyDown) {
		kb := (*kbdllHookStruct)(unsafe.Pointer(lParam))
		w.emit(Event{
			Code:      Code(kb.VkCode),
			Composing: imeComposing(),
		})
	}

	var hook uintptr
	if w != nil {
		w.hookMu.Lock()
		hook = w.hook
		w.hookMu.Unlock()
	}
	r, _, _ := procCallNextHookEx.Call(hook, uintptr(nCode), wParam, lParam)
	return r
}

// imeComposing reports whether the foreground window's input context is
// in native or full-width conversion mode.
func imeComposing() bool {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return false
	}
	himc, _, _ := procImmGetContext.Call(hwnd)
	if himc == 0 {
		return false
	}
	defer procImmReleaseContext.Call(hwnd, himc)

	var conversion, sentence uint32
	ok, _, _ := procImmGetConversionStatus.Call(
		himc,
		uintptr(unsafe.Pointer(&conversion)),
		uintptr(unsafe.Pointer(&sentence)),
	)
	if ok == 0 {
		return false
	}
	return conversion&(imeCmodeNative|imeCmodeFullShape) != 0
}
