// Package config holds the mistype-detection tunables and the daemon options.
//
// Settings are read by every unit of the pipeline and written by the
// command surface. Mutations stay in memory until Save is called.
package config

import (
	"log/slog"
	"math"
	"sync"
)

// DefaultPath is where the settings record lives, relative to the
// working directory.
const DefaultPath = "config/config.toml"

// Settings is the persisted tunables record.
type Settings struct {
	// Threshold is the mistake ratio in [0,1] above which an alert fires.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`

	// Count is the sliding window size in keystrokes.
	Count int `toml:"count" json:"count" yaml:"count"`

	// Interval is the monitor period in seconds.
	Interval int `toml:"interval" json:"interval" yaml:"interval"`

	// AfterAllow makes a backspace right after an arrow key count as a mistake.
	AfterAllow bool `toml:"afterallow" json:"afterallow" yaml:"afterallow"`
}

// DefaultSettings returns the settings used when no valid file exists.
func DefaultSettings() Settings {
	return Settings{
		Threshold:  0.1,
		Count:      100,
		Interval:   5,
		AfterAllow: true,
	}
}

// ThresholdCount is floor(Threshold * Count), the mistake count that
// must be exceeded for an alert.
func (s Settings) ThresholdCount() int {
	return int(math.Floor(s.Threshold * float64(s.Count)))
}

// LoadStatus describes where the in-memory settings came from.
type LoadStatus int

const (
	// LoadStatusFile means the file was read and validated.
	LoadStatusFile LoadStatus = iota
	// LoadStatusCreated means the file was missing and defaults were written.
	LoadStatusCreated
	// LoadStatusDefaults means the file was unusable and defaults are in
	// memory only. The bad file is left untouched.
	LoadStatusDefaults
)

func (s LoadStatus) String() string {
	switch s {
	case LoadStatusFile:
		return "file"
	case LoadStatusCreated:
		return "created"
	case LoadStatusDefaults:
		return "defaults"
	default:
		return "unknown"
	}
}

// UsedDefaults reports whether the caller is running on default values.
func (s LoadStatus) UsedDefaults() bool {
	return s != LoadStatusFile
}

// Store guards Settings with a reader/writer lock. Readers run
// concurrently; setters exclude everyone.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
	logger   *slog.Logger

	cbMu     sync.Mutex
	onChange []func(old, new Settings)
}

// NewStore creates a store holding s that saves to path.
func NewStore(path string, s Settings, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		settings: s,
		path:     path,
		logger:   logger,
	}
}

// Path returns the file the store saves to.
func (s *Store) Path() string {
	return s.path
}

// Settings returns a snapshot of all values.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Threshold returns the alert ratio.
func (s *Store) Threshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Threshold
}

// Count returns the window size.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Count
}

// Interval returns the monitor period in seconds.
func (s *Store) Interval() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Interval
}

// AfterAllow returns the arrow-before-backspace policy.
func (s *Store) AfterAllow() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.AfterAllow
}

// ArrowBeforeBackspaceCounts lets the store act as the classifier policy.
func (s *Store) ArrowBeforeBackspaceCounts() bool {
	return s.AfterAllow()
}

// SetThreshold updates the alert ratio. It does not persist.
func (s *Store) SetThreshold(v float64) error {
	if err := validateThreshold(v); err != nil {
		return err
	}
	s.update(func(st *Settings) { st.Threshold = v })
	return nil
}

// SetCount updates the window size. It does not persist. Callers owning
// a history window must resize it as well.
func (s *Store) SetCount(v int) error {
	if err := validateCount(v); err != nil {
		return err
	}
	s.update(func(st *Settings) { st.Count = v })
	return nil
}

// SetInterval updates the monitor period. It does not persist.
func (s *Store) SetInterval(v int) error {
	if err := validateInterval(v); err != nil {
		return err
	}
	s.update(func(st *Settings) { st.Interval = v })
	return nil
}

// SetAfterAllow updates the arrow-before-backspace policy. It does not persist.
func (s *Store) SetAfterAllow(v bool) {
	s.update(func(st *Settings) { st.AfterAllow = v })
}

// Replace swaps in a complete settings record after validating it.
func (s *Store) Replace(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.update(func(st *Settings) { *st = next })
	return nil
}

// OnChange registers a callback invoked after every successful mutation,
// including reloads from disk.
func (s *Store) OnChange(cb func(old, new Settings)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onChange = append(s.onChange, cb)
}

func (s *Store) update(fn func(*Settings)) {
	s.mu.Lock()
	old := s.settings
	fn(&s.settings)
	next := s.settings
	s.mu.Unlock()

	if old == next {
		return
	}

	s.cbMu.Lock()
	cbs := append([]func(old, new Settings){}, s.onChange...)
	s.cbMu.Unlock()

	for _, cb := range cbs {
		cb(old, next)
	}
}

// Save writes the in-memory settings to the store's path.
func (s *Store) Save() error {
	snapshot := s.Settings()
	if err := writeSettings(s.path, snapshot); err != nil {
		s.logger.Error("failed to save config", "path", s.path, "error", err)
		return err
	}
	s.logger.Debug("config saved", "path", s.path)
	return nil
}
