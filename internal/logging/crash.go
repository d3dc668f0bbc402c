package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

// CrashReport describes a recovered panic in one daemon unit.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	Unit         string    `json:"unit"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler writes crash reports as JSON files and keeps the newest
// MaxReports of them.
type CrashHandler struct {
	mu         sync.Mutex
	crashDir   string
	version    string
	maxReports int
}

// DefaultCrashDir returns the crash directory beside the default log file.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
}

// NewCrashHandler creates a handler writing into dir.
func NewCrashHandler(dir, version string) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	return &CrashHandler{
		crashDir:   dir,
		version:    version,
		maxReports: 10,
	}
}

// Dir returns the crash directory.
func (h *CrashHandler) Dir() string {
	return h.crashDir
}

// HandlePanic records a recovered panic and returns the report. stack is
// the trace captured at the recover site.
func (h *CrashHandler) HandlePanic(unit string, panicValue any, stack []byte) (CrashReport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Unit:         unit,
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(stack),
	}

	if err := h.writeCrashDump(report); err != nil {
		return report, err
	}
	h.prune()
	return report, nil
}

func (h *CrashHandler) writeCrashDump(report CrashReport) error {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return fmt.Errorf("create crash dir: %w", err)
	}

	filename := fmt.Sprintf("crash-%s-%s.json",
		report.Unit,
		report.Timestamp.Format("20060102-150405.000000000"))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}

	if err := os.WriteFile(filepath.Join(h.crashDir, filename), data, 0640); err != nil {
		return fmt.Errorf("write crash report: %w", err)
	}
	return nil
}

func (h *CrashHandler) files() []string {
	files, _ := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	sort.Slice(files, func(i, j int) bool {
		fi, erri := os.Stat(files[i])
		fj, errj := os.Stat(files[j])
		if erri != nil || errj != nil {
			return files[i] < files[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return files
}

// prune removes the oldest reports beyond maxReports.
func (h *CrashHandler) prune() {
	files := h.files()
	for len(files) > h.maxReports {
		os.Remove(files[0])
		files = files[1:]
	}
}

// Reports returns stored reports, oldest first. Unreadable files are skipped.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	files := h.files()
	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}

		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
