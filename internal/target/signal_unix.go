//go:build !windows

package target

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EnableDebugger sends SIGUSR1, which makes node open its debug port.
func EnableDebugger(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
		if err == unix.ESRCH {
			return fmt.Errorf("no process with pid %d", pid)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether pid exists.
func Alive(pid int) bool {
	return pid > 0 && unix.Kill(pid, unix.Signal(0)) == nil
}
