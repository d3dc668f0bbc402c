package keystroke

import "sync/atomic"

// IMEProbe reports whether an input method is composing text right now.
// Composing is called on the delivery path and must not block.
type IMEProbe interface {
	Composing() bool
}

// StaticProbe is an IMEProbe whose answer is set by hand.
type StaticProbe struct {
	state atomic.Bool
}

// Set changes the reported state.
func (p *StaticProbe) Set(composing bool) { p.state.Store(composing) }

// Composing returns the last value passed to Set.
func (p *StaticProbe) Composing() bool { return p.state.Load() }
