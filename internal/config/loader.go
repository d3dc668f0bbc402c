package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Load reads the settings file at path and returns a Store holding the
// result. A missing file is replaced by defaults on disk; an unreadable
// or invalid file is logged and left alone while defaults are used in
// memory. The returned error is non-nil only when path is empty.
func Load(path string, logger *slog.Logger) (*Store, LoadStatus, error) {
	if path == "" {
		return nil, LoadStatusDefaults, errors.New("config path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings, err := readSettings(path)
	switch {
	case err == nil:
		logger.Debug("config loaded", "path", path)
		return NewStore(path, settings, logger), LoadStatusFile, nil

	case errors.Is(err, os.ErrNotExist):
		logger.Warn("config file not found", "path", path)
		logger.Info("creating default config file", "path", path)
		defaults := DefaultSettings()
		if werr := writeSettings(path, defaults); werr != nil {
			logger.Error("failed to write default config", "path", path, "error", werr)
		}
		return NewStore(path, defaults, logger), LoadStatusCreated, nil

	default:
		logger.Error("failed to parse config file, using defaults", "path", path, "error", err)
		return NewStore(path, DefaultSettings(), logger), LoadStatusDefaults, nil
	}
}

// readSettings decodes and validates the file at path.
func readSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return parseSettings(data, formatFor(path))
}

type format int

const (
	formatTOML format = iota
	formatJSON
	formatYAML
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

func parseSettings(data []byte, f format) (Settings, error) {
	var doc map[string]any
	var s Settings

	switch f {
	case formatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return Settings{}, fmt.Errorf("decode JSON: %w", err)
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("decode JSON: %w", err)
		}
	case formatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Settings{}, fmt.Errorf("decode YAML: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return Settings{}, fmt.Errorf("decode TOML: %w", err)
		}
		if _, err := toml.Decode(string(data), &s); err != nil {
			return Settings{}, fmt.Errorf("decode TOML: %w", err)
		}
	}

	if err := validateDocument(doc); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func encodeSettings(s Settings, f format) ([]byte, error) {
	switch f {
	case formatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case formatYAML:
		return yaml.Marshal(s)
	default:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(s); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// writeSettings writes s to path through a temp file and rename so a
// concurrent reader never sees a half-written record.
func writeSettings(path string, s Settings) error {
	data, err := encodeSettings(s, formatFor(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Watch reloads the settings whenever the file changes on disk until ctx
// is cancelled. Invalid files are logged and ignored.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames are seen.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, s.Reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the file and applies it when valid.
func (s *Store) Reload() {
	next, err := readSettings(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		s.logger.Error("ignoring invalid config change", "path", s.path, "error", err)
		return
	}
	if next == s.Settings() {
		return
	}
	s.update(func(st *Settings) { *st = next })
	s.logger.Info("config reloaded",
		"threshold", next.Threshold,
		"count", next.Count,
		"interval", next.Interval,
		"afterallow", next.AfterAllow,
	)
}
