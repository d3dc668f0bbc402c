package keystroke

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// Simulated is a capture that doesn't hook the real keyboard. Tests drive
// it with Press; `oopstime run --simulate` feeds it from stdin.
type Simulated struct {
	BaseCapture

	stopMu sync.Mutex
	stop   chan struct{}
}

// NewSimulated creates a capture for testing.
func NewSimulated(logger *slog.Logger) *Simulated {
	return &Simulated{BaseCapture: newBaseCapture(logger)}
}

// Start begins delivering simulated events to sink.
func (s *Simulated) Start(ctx context.Context, sink Sink) error {
	if err := s.begin(sink); err != nil {
		return err
	}
	stop := make(chan struct{})
	s.stopMu.Lock()
	s.stop = stop
	s.stopMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stop:
		}
	}()
	return nil
}

// Stop stops the simulated capture.
func (s *Simulated) Stop() error {
	s.stopMu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.stopMu.Unlock()
	s.end()
	return nil
}

// Available returns true (simulated is always available).
func (s *Simulated) Available() (bool, string) {
	return true, "simulated capture (for testing)"
}

// Press delivers one key-down synchronously.
func (s *Simulated) Press(code Code, composing bool) error {
	return s.emit(Event{Code: code, Composing: composing})
}

// Type delivers each code in order without composition.
func (s *Simulated) Type(codes ...Code) error {
	for _, c := range codes {
		if err := s.Press(c, false); err != nil {
			return err
		}
	}
	return nil
}

// Feed reads whitespace-separated key tokens from r and presses them until
// r is exhausted or ctx is done. See ParseToken for the token syntax.
// Unknown tokens are logged and skipped.
func (s *Simulated) Feed(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		ev, err := ParseToken(scanner.Text())
		if err != nil {
			s.logger.Warn("skipping simulated key", "error", err)
			continue
		}
		if err := s.Press(ev.Code, ev.Composing); err != nil && err != ErrNotRunning {
			return err
		}
	}
	return scanner.Err()
}

var tokenNames = map[string]Code{
	"bs":        CodeBackspace,
	"backspace": CodeBackspace,
	"ret":       CodeReturn,
	"return":    CodeReturn,
	"enter":     CodeReturn,
	"left":      CodeLeft,
	"up":        CodeUp,
	"right":     CodeRight,
	"down":      CodeDown,
}

// ParseToken turns a simulated key token into an Event.
//
// Tokens are key names (bs, ret, left, up, right, down), a single
// character (letters map to their VK code), or a number (decimal or 0x
// hex VK code). A leading '~' marks the key as pressed while composing.
func ParseToken(tok string) (Event, error) {
	var ev Event
	if strings.HasPrefix(tok, "~") && len(tok) > 1 {
		ev.Composing = true
		tok = tok[1:]
	}

	if c, ok := tokenNames[strings.ToLower(tok)]; ok {
		ev.Code = c
		return ev, nil
	}
	if n, err := strconv.ParseUint(tok, 0, 32); err == nil && len(tok) > 1 {
		ev.Code = Code(n)
		return ev, nil
	}
	if utf8.RuneCountInString(tok) == 1 {
		r, _ := utf8.DecodeRuneInString(strings.ToUpper(tok))
		ev.Code = Code(r)
		return ev, nil
	}
	return Event{}, fmt.Errorf("unknown key token %q", tok)
}
