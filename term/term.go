// Package term probes the controlling terminal. The interactive
// shell prompts only when stdin really is one.
package term

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdin is attached to a terminal.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)

	return err == nil
}
