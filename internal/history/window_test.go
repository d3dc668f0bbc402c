package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oopstime/internal/config"
	"oopstime/internal/keystroke"
	"oopstime/internal/metrics"
)

func key(c keystroke.Code) keystroke.Event { return keystroke.Event{Code: c} }

func composing(c keystroke.Code) keystroke.Event {
	return keystroke.Event{Code: c, Composing: true}
}

var bs = key(keystroke.CodeBackspace)

func newWindow(t *testing.T, capacity int, arrowCounts bool) *Window {
	t.Helper()
	w, err := New(capacity, PolicyFunc(func() bool { return arrowCounts }))
	require.NoError(t, err)
	return w
}

func register(w *Window, evs ...keystroke.Event) []Verdict {
	out := make([]Verdict, len(evs))
	for i, ev := range evs {
		out[i] = w.Register(ev)
	}
	return out
}

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New(0, nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = New(-5, nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestScenarioTypingThenBackspace(t *testing.T) {
	w := newWindow(t, 5, true)
	verdicts := register(w, key('A'), key('B'), bs)

	assert.Equal(t, []Verdict{VerdictStored, VerdictStored, VerdictCorrection}, verdicts)
	assert.Equal(t, []keystroke.Code{'A', 'B', keystroke.CodeBackspace}, w.Snapshot().Codes())
	assert.Equal(t, 1, w.MistakeCount())
	require.NoError(t, w.Check())
}

func TestScenarioBackspaceIntoEmptyWindow(t *testing.T) {
	w := newWindow(t, 5, true)

	assert.Equal(t, VerdictCorrection, w.Register(bs))
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 1, w.MistakeCount())

	assert.Equal(t, VerdictRepeat, w.Register(bs))
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 1, w.MistakeCount())
	require.NoError(t, w.Check())
}

func TestConsecutiveBackspacesCountOnce(t *testing.T) {
	w := newWindow(t, 10, true)
	register(w, key('A'), key('B'), key('C'))

	verdicts := register(w, bs, bs, bs)
	assert.Equal(t, []Verdict{VerdictCorrection, VerdictRepeat, VerdictRepeat}, verdicts)
	assert.Equal(t, 4, w.Len())
	assert.Equal(t, 1, w.MistakeCount())
}

func TestCompositionConfirmThenBackspace(t *testing.T) {
	w := newWindow(t, 10, true)
	register(w, composing('K'), key(keystroke.CodeReturn))

	assert.Equal(t, VerdictCompositionUndo, w.Register(bs))
	assert.Equal(t, 1, w.MistakeCount())
	assert.Equal(t, 3, w.Len())

	// Return without a composing predecessor is an ordinary correction.
	w2 := newWindow(t, 10, true)
	register(w2, key('K'), key(keystroke.CodeReturn))
	assert.Equal(t, VerdictCorrection, w2.Register(bs))

	// Return as the only entry has no second-most-recent entry.
	w3 := newWindow(t, 10, true)
	register(w3, key(keystroke.CodeReturn))
	assert.Equal(t, VerdictCorrection, w3.Register(bs))
}

func TestArrowThenBackspacePolicy(t *testing.T) {
	for _, arrow := range []keystroke.Code{
		keystroke.CodeLeft, keystroke.CodeUp, keystroke.CodeRight, keystroke.CodeDown,
	} {
		t.Run(arrow.String(), func(t *testing.T) {
			allow := newWindow(t, 10, true)
			register(allow, key('A'), key(arrow))
			assert.Equal(t, VerdictNavigationUndo, allow.Register(bs))
			assert.Equal(t, 1, allow.MistakeCount())
			assert.Equal(t, 3, allow.Len())

			deny := newWindow(t, 10, false)
			register(deny, key('A'), key(arrow))
			assert.Equal(t, VerdictNavigationSkipped, deny.Register(bs))
			assert.Equal(t, 0, deny.MistakeCount())
			assert.Equal(t, 2, deny.Len(), "a skipped backspace is not inserted")
		})
	}
}

func TestPolicyIsReadPerEvent(t *testing.T) {
	var mu sync.Mutex
	allow := false
	w, err := New(10, PolicyFunc(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return allow
	}))
	require.NoError(t, err)

	register(w, key(keystroke.CodeLeft))
	assert.Equal(t, VerdictNavigationSkipped, w.Register(bs))

	mu.Lock()
	allow = true
	mu.Unlock()
	assert.Equal(t, VerdictNavigationUndo, w.Register(bs))
}

func TestEvictionDecrementsCountedEntries(t *testing.T) {
	w := newWindow(t, 3, true)
	register(w, bs, key('A'), key('B'))
	assert.Equal(t, 1, w.MistakeCount())

	// evicts the counted backspace
	w.Register(key('C'))
	assert.Equal(t, 0, w.MistakeCount())
	assert.Equal(t, []keystroke.Code{'A', 'B', 'C'}, w.Snapshot().Codes())

	// evicts 'A', which was not counted
	w.Register(bs)
	assert.Equal(t, 1, w.MistakeCount())
	assert.Equal(t, 3, w.Len())
	require.NoError(t, w.Check())
}

func TestResizeShrinkEvictsFromFront(t *testing.T) {
	w := newWindow(t, 10, true)
	register(w, bs, key('A'), bs, key('B'), bs, key('C'))
	assert.Equal(t, 3, w.MistakeCount())

	require.NoError(t, w.Resize(3))
	assert.Equal(t, 3, w.Capacity())
	assert.Equal(t, []keystroke.Code{'B', keystroke.CodeBackspace, 'C'}, w.Snapshot().Codes())
	assert.Equal(t, 1, w.MistakeCount())
	require.NoError(t, w.Check())

	require.NoError(t, w.Resize(20))
	assert.Equal(t, 3, w.Len(), "growing keeps entries")
	assert.ErrorIs(t, w.Resize(0), ErrInvalidCapacity)
	assert.Equal(t, 20, w.Capacity())
}

func TestClear(t *testing.T) {
	w := newWindow(t, 5, true)
	register(w, key('A'), bs, key('B'), bs)
	require.Equal(t, 2, w.MistakeCount())

	w.Clear()
	assert.Zero(t, w.MistakeCount())
	assert.Zero(t, w.Len())
	assert.Equal(t, 5, w.Capacity())

	// the next backspace has no predecessor again
	assert.Equal(t, VerdictCorrection, w.Register(bs))
}

func TestSnapshotIsACopy(t *testing.T) {
	w := newWindow(t, 5, true)
	register(w, key('A'))
	snap := w.Snapshot()
	register(w, key('B'))

	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, 5, snap.Capacity)
}

func TestCheckReportsCorruption(t *testing.T) {
	w := newWindow(t, 5, true)
	register(w, key('A'))
	w.mistakes = 2

	err := w.Check()
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, 2, inv.Mistakes)
	assert.Equal(t, 0, inv.Counted)
	assert.Equal(t, 1, inv.Len)
}

func TestInvariantHoldsUnderRandomInput(t *testing.T) {
	codes := []keystroke.Code{
		'A', 'B', keystroke.CodeBackspace, keystroke.CodeBackspace, keystroke.CodeReturn,
		keystroke.CodeLeft, keystroke.CodeUp, keystroke.CodeRight, keystroke.CodeDown,
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		arrowCounts := rng.Intn(2) == 0
		w := newWindow(t, 1+rng.Intn(12), arrowCounts)

		for i := 0; i < 400; i++ {
			switch r := rng.Intn(100); {
			case r < 2:
				w.Clear()
			case r < 5:
				require.NoError(t, w.Resize(1+rng.Intn(12)))
			default:
				ev := keystroke.Event{
					Code:      codes[rng.Intn(len(codes))],
					Composing: rng.Intn(3) == 0,
				}
				before := w.MistakeCount()
				v := w.Register(ev)
				if v == VerdictRepeat || v == VerdictNavigationSkipped {
					assert.Equal(t, before, w.MistakeCount())
				}
			}
			require.NoError(t, w.Check(), "round %d step %d", round, i)
		}
	}
}

func TestConcurrentRegisterAndClear(t *testing.T) {
	w := newWindow(t, 50, true)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%3 == 0 {
				w.Register(bs)
			} else {
				w.Register(key('A'))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			w.Clear()
			_ = w.Resize(10 + i%40)
		}
	}()
	wg.Wait()
	require.NoError(t, w.Check())
}

func TestVerdictProperties(t *testing.T) {
	assert.True(t, VerdictCorrection.Counted())
	assert.True(t, VerdictCompositionUndo.Counted())
	assert.True(t, VerdictNavigationUndo.Counted())
	assert.False(t, VerdictStored.Counted())
	assert.False(t, VerdictRepeat.Inserted())
	assert.False(t, VerdictNavigationSkipped.Inserted())
	assert.True(t, VerdictStored.Inserted())
	assert.Equal(t, "composition-undo", VerdictCompositionUndo.String())
}

func TestClassifierRun(t *testing.T) {
	w := newWindow(t, 5, true)
	m := metrics.NewOopsMetrics(nil)
	c := NewClassifier(w, m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	q := keystroke.NewQueue(16)
	for _, ev := range []keystroke.Event{key('A'), key('B'), bs, bs, key(keystroke.CodeLeft), bs} {
		require.NoError(t, q.TrySend(ev))
	}
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx, q))

	assert.Equal(t, 2, w.MistakeCount())
	assert.Equal(t, uint64(6), m.KeysTotal.Value())
	assert.Equal(t, uint64(2), m.CorrectionsTotal.Value())
	assert.Equal(t, uint64(1), m.RepeatsTotal.Value())
}

func TestClassifierStopsOnCancel(t *testing.T) {
	w := newWindow(t, 5, true)
	c := NewClassifier(w, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	q := keystroke.NewQueue(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, q) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("classifier did not stop")
	}
}

func TestFollowCountResizesOnChange(t *testing.T) {
	s := config.NewStore("", config.DefaultSettings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	w, err := New(s.Count(), s)
	require.NoError(t, err)
	w.FollowCount(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 10; i++ {
		w.Register(bs)
	}

	require.NoError(t, s.SetCount(4))
	assert.Equal(t, 4, w.Capacity())
	assert.Equal(t, 4, w.Len())

	// Unrelated changes leave the capacity alone.
	require.NoError(t, s.SetInterval(60))
	assert.Equal(t, 4, w.Capacity())
}

func TestHugeCapacityGrowsOnDemand(t *testing.T) {
	w, err := New(1<<50, nil)
	require.NoError(t, err)
	register(w, key('A'), bs, key('B'))
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 1, w.MistakeCount())

	w.Clear()
	assert.Zero(t, w.Len())

	require.NoError(t, w.Resize(3))
	require.NoError(t, w.Resize(1<<50))
	register(w, key('C'), bs)
	assert.Equal(t, 1<<50, w.Capacity())
	assert.Equal(t, 2, w.Len())
	require.NoError(t, w.Check())
}

func TestFollowCountAcceptsHugeCount(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := config.NewStore("", config.DefaultSettings(), logger)
	w, err := New(s.Count(), s)
	require.NoError(t, err)
	w.FollowCount(s, logger)

	for i := 0; i < 200; i++ {
		w.Register(key('A'))
	}
	require.NoError(t, s.SetCount(1<<50))
	assert.Equal(t, 1<<50, w.Capacity())

	register(w, key('B'), bs)
	assert.Equal(t, 102, w.Len())
	assert.Equal(t, 1, w.MistakeCount())
	require.NoError(t, w.Check())
}
