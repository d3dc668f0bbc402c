//go:build !windows

package daemon

import (
	"os"
	"syscall"
)

// isProcessRunning sends signal 0, since FindProcess always succeeds on Unix.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func stopProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
