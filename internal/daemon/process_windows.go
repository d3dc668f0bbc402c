//go:build windows

package daemon

import (
	"os"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a live process.
const stillActive = 259

func isProcessRunning(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// stopProcess terminates p. Windows has no SIGTERM for console-less
// processes, so the daemon gets no chance to clean up its socket; the next
// start removes the stale file.
func stopProcess(p *os.Process) error {
	return p.Kill()
}
