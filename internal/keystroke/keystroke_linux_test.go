//go:build linux

package keystroke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateEvdev(t *testing.T) {
	tests := map[uint16]Code{
		14:  CodeBackspace,
		28:  CodeReturn,
		96:  CodeReturn,
		103: CodeUp,
		105: CodeLeft,
		106: CodeRight,
		108: CodeDown,
	}
	for in, want := range tests {
		assert.Equal(t, want, translateEvdev(in), "evdev %d", in)
	}

	// KEY_A is 30; it must not collide with any VK code.
	a := translateEvdev(30)
	assert.Equal(t, codeRawBase|30, a)
	assert.False(t, a.IsBackspace() || a.IsReturn() || a.IsArrow())
}

func TestInputEventSize(t *testing.T) {
	// struct input_event is 24 bytes on 64-bit and 16 on 32-bit targets.
	assert.Contains(t, []int{16, 24}, inputEventSize)
}
