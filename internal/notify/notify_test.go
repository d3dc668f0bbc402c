package notify

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.Show("OopsTime detected a lot of mistype!", "Shall we take a coffee break?"))
	out := buf.String()
	assert.True(t, strings.Contains(out, "level=WARN"))
	assert.True(t, strings.Contains(out, "coffee break"))
}

func TestNewDisabledReturnsLog(t *testing.T) {
	n := New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true)
	_, ok := n.(*Log)
	assert.True(t, ok, "disabled notifier should be *Log, got %T", n)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Show("t1", "b1"))

	boom := errors.New("boom")
	r.FailWith(boom)
	assert.ErrorIs(t, r.Show("t2", "b2"), boom)

	assert.Equal(t, []Alert{{"t1", "b1"}, {"t2", "b2"}}, r.Alerts())
}

func TestFunc(t *testing.T) {
	var got string
	n := Func(func(title, body string) error {
		got = title + "/" + body
		return nil
	})
	require.NoError(t, n.Show("a", "b"))
	assert.Equal(t, "a/b", got)
}
