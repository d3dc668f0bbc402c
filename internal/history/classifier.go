package history

import (
	"context"
	"errors"
	"log/slog"

	"oopstime/internal/keystroke"
	"oopstime/internal/metrics"
)

// Source is where the classifier receives events from.
type Source interface {
	Recv(ctx context.Context) (keystroke.Event, error)
}

// Classifier feeds events from a Source into a Window one at a time.
type Classifier struct {
	window  *Window
	metrics *metrics.OopsMetrics
	logger  *slog.Logger
}

// NewClassifier creates a classifier. m may be nil.
func NewClassifier(w *Window, m *metrics.OopsMetrics, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{window: w, metrics: m, logger: logger}
}

// Run classifies events until ctx is cancelled or the source is closed.
func (c *Classifier) Run(ctx context.Context, src Source) error {
	defer c.logger.Info("classifier stopped")

	for {
		ev, err := src.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, keystroke.ErrQueueClosed) {
				return nil
			}
			return err
		}
		c.Handle(ev)
	}
}

// Handle registers one event and records the verdict.
func (c *Classifier) Handle(ev keystroke.Event) Verdict {
	v := c.window.Register(ev)

	if v != VerdictStored {
		c.logger.Debug("backspace classified", "verdict", v, "composing", ev.Composing)
	}
	if c.metrics == nil {
		return v
	}
	c.metrics.KeysTotal.Inc()
	switch v {
	case VerdictCorrection, VerdictCompositionUndo, VerdictNavigationUndo:
		c.metrics.CorrectionsTotal.Inc()
	case VerdictRepeat:
		c.metrics.RepeatsTotal.Inc()
	case VerdictNavigationSkipped:
		c.metrics.NavigationSkipsTotal.Inc()
	}
	return v
}
