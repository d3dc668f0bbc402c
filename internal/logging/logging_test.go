package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", LevelString(level), err)
		}
		if parsed != level {
			t.Errorf("round trip of %v gave %v", level, parsed)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSize != 1024*1024 {
		t.Errorf("expected 1 MiB MaxSize, got %d", cfg.MaxSize)
	}
	if cfg.MaxBackups != 10 {
		t.Errorf("expected 10 backups, got %d", cfg.MaxBackups)
	}
	if !strings.HasSuffix(cfg.FilePath, "oopstime.log") {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.WithComponent("monitor").Info("tick", "mistakes", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["msg"] != "tick" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "monitor" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["mistakes"] != float64(3) {
		t.Errorf("mistakes = %v", entry["mistakes"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug entry written at info level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info entry missing")
	}
}

func TestFileRotator(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FilePath = filepath.Join(dir, "logs", "oopstime.log")
	cfg.MaxSize = 64
	cfg.MaxBackups = 2

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 6; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	files, err := r.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	// current file plus at most MaxBackups rotated files
	if len(files) != 3 {
		t.Fatalf("expected 3 log files, got %d: %v", len(files), files)
	}

	info, err := os.Stat(cfg.FilePath)
	if err != nil {
		t.Fatalf("stat current: %v", err)
	}
	if info.Size() > cfg.MaxSize {
		t.Errorf("current file exceeds MaxSize: %d", info.Size())
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(dir, "oopstime.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestCrashHandlerWritesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir, "1.2.3")
	h.maxReports = 2

	for _, unit := range []string{"capture", "monitor", "ipc"} {
		report, err := h.HandlePanic(unit, "boom", []byte("goroutine 1"))
		if err != nil {
			t.Fatalf("HandlePanic(%s): %v", unit, err)
		}
		if report.Version != "1.2.3" || report.Unit != unit {
			t.Errorf("unexpected report: %+v", report)
		}
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports after pruning, got %d", len(reports))
	}
	for _, r := range reports {
		if r.PanicValue != "boom" || r.StackTrace != "goroutine 1" {
			t.Errorf("unexpected report: %+v", r)
		}
	}
}
