package history

import (
	"log/slog"

	"oopstime/internal/config"
)

// FollowCount resizes w whenever the store's count changes, whether from
// a setter, an IPC request or a reload from disk.
func (w *Window) FollowCount(s *config.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.OnChange(func(old, next config.Settings) {
		if old.Count == next.Count {
			return
		}
		if err := w.Resize(next.Count); err != nil {
			logger.Error("failed to resize history", "count", next.Count, "error", err)
			return
		}
		logger.Info("history resized", "from", old.Count, "to", next.Count)
	})
}
