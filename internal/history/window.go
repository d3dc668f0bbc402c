// Package history keeps the sliding window of recent keys and the count
// of mistake corrections inside it.
//
// The window and the counter live under one mutex so the classifier's
// insertions and the monitor's resets never observe a torn state.
package history

import (
	"errors"
	"fmt"
	"sync"

	"oopstime/internal/keystroke"
)

// ErrInvalidCapacity is returned for a window size below one.
var ErrInvalidCapacity = errors.New("window capacity must be positive")

// Policy supplies the tunable part of the heuristic.
type Policy interface {
	// ArrowBeforeBackspaceCounts reports whether a backspace right after
	// an arrow key is a correction.
	ArrowBeforeBackspaceCounts() bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func() bool

// ArrowBeforeBackspaceCounts calls f.
func (f PolicyFunc) ArrowBeforeBackspaceCounts() bool { return f() }

// Verdict is the classification of one registered event.
type Verdict int

const (
	// VerdictStored is a non-backspace key, kept for context.
	VerdictStored Verdict = iota
	// VerdictCorrection is an ordinary backspace, counted.
	VerdictCorrection
	// VerdictRepeat is a backspace following a backspace, dropped.
	VerdictRepeat
	// VerdictCompositionUndo is a backspace after confirming a conversion, counted.
	VerdictCompositionUndo
	// VerdictNavigationUndo is a backspace after an arrow key, counted.
	VerdictNavigationUndo
	// VerdictNavigationSkipped is a backspace after an arrow key that the
	// policy excludes, dropped.
	VerdictNavigationSkipped
)

func (v Verdict) String() string {
	switch v {
	case VerdictStored:
		return "stored"
	case VerdictCorrection:
		return "correction"
	case VerdictRepeat:
		return "repeat"
	case VerdictCompositionUndo:
		return "composition-undo"
	case VerdictNavigationUndo:
		return "navigation-undo"
	case VerdictNavigationSkipped:
		return "navigation-skipped"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Counted reports whether the verdict increments the mistake count.
func (v Verdict) Counted() bool {
	switch v {
	case VerdictCorrection, VerdictCompositionUndo, VerdictNavigationUndo:
		return true
	}
	return false
}

// Inserted reports whether the verdict adds the event to the window.
func (v Verdict) Inserted() bool {
	return v != VerdictRepeat && v != VerdictNavigationSkipped
}

// Entry is one key held in the window.
type Entry struct {
	Event   keystroke.Event `json:"event"`
	Counted bool            `json:"counted"`
}

// InvariantError reports a window whose counter disagrees with its
// contents or capacity.
type InvariantError struct {
	Mistakes int
	Counted  int
	Len      int
	Capacity int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("history invariant violated: mistakes=%d counted=%d len=%d capacity=%d",
		e.Mistakes, e.Counted, e.Len, e.Capacity)
}

// maxPrealloc bounds the storage reserved up front. Larger windows grow
// on demand as keys arrive.
const maxPrealloc = 4096

func preallocSize(capacity int) int {
	return min(capacity, maxPrealloc)
}

// Window is the bounded key history plus the mistake counter.
type Window struct {
	mu       sync.Mutex
	entries  []Entry
	mistakes int
	capacity int
	policy   Policy
}

// New creates an empty window. A nil policy counts arrow-then-backspace.
func New(capacity int, policy Policy) (*Window, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if policy == nil {
		policy = PolicyFunc(func() bool { return true })
	}
	return &Window{
		entries:  make([]Entry, 0, preallocSize(capacity)),
		capacity: capacity,
		policy:   policy,
	}, nil
}

// Register classifies ev against the most recent entries and applies the
// verdict.
func (w *Window) Register(ev keystroke.Event) Verdict {
	// Read the policy before taking the lock; it has its own.
	arrowCounts := w.policy.ArrowBeforeBackspaceCounts()

	w.mu.Lock()
	defer w.mu.Unlock()

	v := w.classify(ev, arrowCounts)
	if v.Inserted() {
		w.insert(Entry{Event: ev, Counted: v.Counted()})
	}
	return v
}

// classify must be called with mu held.
func (w *Window) classify(ev keystroke.Event, arrowCounts bool) Verdict {
	if !ev.Code.IsBackspace() {
		return VerdictStored
	}

	n := len(w.entries)
	if n == 0 {
		return VerdictCorrection
	}
	prev := w.entries[n-1].Event

	switch {
	case prev.Code.IsBackspace():
		return VerdictRepeat
	case prev.Code.IsReturn() && n >= 2 && w.entries[n-2].Event.Composing:
		return VerdictCompositionUndo
	case prev.Code.IsArrow():
		if arrowCounts {
			return VerdictNavigationUndo
		}
		return VerdictNavigationSkipped
	default:
		return VerdictCorrection
	}
}

// insert must be called with mu held.
func (w *Window) insert(e Entry) {
	for len(w.entries) >= w.capacity {
		w.evictFront()
	}
	w.entries = append(w.entries, e)
	if e.Counted {
		w.mistakes++
	}
}

// evictFront must be called with mu held and a non-empty window.
func (w *Window) evictFront() {
	old := w.entries[0]
	w.entries[0] = Entry{}
	w.entries = w.entries[1:]
	if old.Counted && w.mistakes > 0 {
		w.mistakes--
	}
}

// Resize changes the capacity, evicting the oldest entries when the
// window shrinks below its current length.
func (w *Window) Resize(capacity int) error {
	if capacity <= 0 {
		return ErrInvalidCapacity
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.capacity = capacity
	for len(w.entries) > capacity {
		w.evictFront()
	}
	w.compact()
	return nil
}

// compact copies the entries into a fresh backing array once evictions
// have left most of the old one unused. Must be called with mu held.
func (w *Window) compact() {
	keep := max(len(w.entries), preallocSize(w.capacity))
	if cap(w.entries) <= 2*keep {
		return
	}
	fresh := make([]Entry, len(w.entries), keep)
	copy(fresh, w.entries)
	w.entries = fresh
}

// Clear empties the window and zeroes the counter in one step.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make([]Entry, 0, preallocSize(w.capacity))
	w.mistakes = 0
}

// MistakeCount returns the number of counted corrections in the window.
func (w *Window) MistakeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mistakes
}

// Len returns the number of entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Capacity returns the window size.
func (w *Window) Capacity() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capacity
}

// Snapshot is a consistent copy of the window for status views.
type Snapshot struct {
	Entries  []Entry `json:"entries"`
	Mistakes int     `json:"mistakes"`
	Capacity int     `json:"capacity"`
}

// Codes returns the key codes in insertion order.
func (s Snapshot) Codes() []keystroke.Code {
	codes := make([]keystroke.Code, len(s.Entries))
	for i, e := range s.Entries {
		codes[i] = e.Event.Code
	}
	return codes
}

// Snapshot copies the window under the lock.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := make([]Entry, len(w.entries))
	copy(entries, w.entries)
	return Snapshot{
		Entries:  entries,
		Mistakes: w.mistakes,
		Capacity: w.capacity,
	}
}

// Check verifies 0 <= mistakes <= len <= capacity and that the counter
// matches the counted entries.
func (w *Window) Check() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	counted := 0
	for _, e := range w.entries {
		if e.Counted {
			counted++
		}
	}
	n := len(w.entries)
	if w.mistakes < 0 || w.mistakes > n || n > w.capacity || counted != w.mistakes {
		return &InvariantError{
			Mistakes: w.mistakes,
			Counted:  counted,
			Len:      n,
			Capacity: w.capacity,
		}
	}
	return nil
}
