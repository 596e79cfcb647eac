//go:build windows

package target

import (
	"errors"
	"os"
)

// EnableDebugger is not available on Windows; node there needs a remote
// thread to enable its debugger.
func EnableDebugger(pid int) error {
	return errors.New("enabling the debugger of a running process is not supported on windows")
}

// Alive reports whether pid exists.
func Alive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
