//go:build windows

package supervisor

import "os"

// terminateGracefully has no POSIX-signal equivalent on Windows; the
// platform exposes only hard termination, so this goes straight to Kill.
func terminateGracefully(process *os.Process) {
	if process == nil {
		return
	}
	process.Kill()
}
