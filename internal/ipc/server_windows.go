//go:build windows

package ipc

import (
	"net"
	"os"
)

// SetSocketPermissions is a no-op; AF_UNIX sockets on Windows inherit the
// ACL of the data directory.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return nil
}

// CleanupSocket removes a stale socket file.
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func verifyPeer(conn net.Conn) error {
	return nil
}
