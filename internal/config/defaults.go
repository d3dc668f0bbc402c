package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultQueueSize is the capacity of the capture queue.
const DefaultQueueSize = 4096

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/oopstime/
//   - Linux:   ~/.local/share/oopstime/
//   - Windows: %APPDATA%\oopstime\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "oopstime")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "oopstime")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "oopstime")
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "oopstime")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "oopstime")
	}
}

// PlatformRuntimeDir returns where the control socket and PID file live.
//
// Platform paths:
//   - Linux:   $XDG_RUNTIME_DIR/oopstime/ or the data directory
//   - others:  the data directory
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "oopstime")
		}
	}
	return PlatformDataDir()
}

// Options are the process-level settings of the daemon. Unlike Settings
// they are never written back by Save.
type Options struct {
	DataDir    string
	ConfigPath string
	SocketPath string
	PIDFile    string
	DBPath     string

	LogLevel  string
	LogFormat string
	LogOutput string
	LogPath   string

	QueueSize int

	// Simulate replaces the OS listener with a capture fed from stdin.
	Simulate bool
	// NoNotify routes alerts to the log instead of the desktop.
	NoNotify bool
}

// DefaultOptions returns options pointing at the platform directories.
func DefaultOptions() *Options {
	dataDir := PlatformDataDir()
	runtimeDir := PlatformRuntimeDir()
	return &Options{
		DataDir:    dataDir,
		ConfigPath: DefaultPath,
		SocketPath: filepath.Join(runtimeDir, "oopstime.sock"),
		PIDFile:    filepath.Join(runtimeDir, "oopstime.pid"),
		DBPath:     filepath.Join(dataDir, "alerts.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		LogOutput:  "both",
		LogPath:    filepath.Join(dataDir, "logs", "oopstime.log"),
		QueueSize:  DefaultQueueSize,
	}
}

// ApplyEnvOverrides applies OOPSTIME_* environment variables.
func (o *Options) ApplyEnvOverrides() error {
	strOverrides := map[string]*string{
		"OOPSTIME_DATA_DIR":   &o.DataDir,
		"OOPSTIME_CONFIG":     &o.ConfigPath,
		"OOPSTIME_SOCKET":     &o.SocketPath,
		"OOPSTIME_PID_FILE":   &o.PIDFile,
		"OOPSTIME_DB":         &o.DBPath,
		"OOPSTIME_LOG_LEVEL":  &o.LogLevel,
		"OOPSTIME_LOG_FORMAT": &o.LogFormat,
		"OOPSTIME_LOG_OUTPUT": &o.LogOutput,
		"OOPSTIME_LOG_FILE":   &o.LogPath,
	}
	for env, dst := range strOverrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("OOPSTIME_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OOPSTIME_QUEUE_SIZE: %w", err)
		}
		o.QueueSize = n
	}
	if v := os.Getenv("OOPSTIME_SIMULATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OOPSTIME_SIMULATE: %w", err)
		}
		o.Simulate = b
	}
	if v := os.Getenv("OOPSTIME_NO_NOTIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OOPSTIME_NO_NOTIFY: %w", err)
		}
		o.NoNotify = b
	}
	return nil
}

// Validate checks the options for obvious mistakes.
func (o *Options) Validate() error {
	var errs ValidationErrors

	if o.ConfigPath == "" {
		errs = append(errs, ValidationError{Field: "config_path", Message: "required"})
	}
	if o.SocketPath == "" {
		errs = append(errs, ValidationError{Field: "socket_path", Message: "required"})
	}
	if o.DBPath == "" {
		errs = append(errs, ValidationError{Field: "db_path", Message: "required"})
	}
	if o.QueueSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "queue_size",
			Message: fmt.Sprintf("must be positive, got %d", o.QueueSize),
		})
	}

	switch strings.ToLower(o.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("unknown level %q", o.LogLevel),
		})
	}
	switch strings.ToLower(o.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("unknown format %q", o.LogFormat),
		})
	}
	switch strings.ToLower(o.LogOutput) {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_output",
			Message: fmt.Sprintf("unknown output %q", o.LogOutput),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// EnsureDirs creates the directories the daemon writes into.
func (o *Options) EnsureDirs() error {
	for _, dir := range []string{
		o.DataDir,
		filepath.Dir(o.SocketPath),
		filepath.Dir(o.DBPath),
		filepath.Dir(o.LogPath),
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
