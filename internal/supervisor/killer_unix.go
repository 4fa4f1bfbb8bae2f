//go:build !windows

package supervisor

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminateGracefully sends SIGTERM, giving the worker a chance to flush its
// own terminal status via C4 before the supervisor force-kills it.
func terminateGracefully(process *os.Process) {
	if process == nil {
		return
	}
	unix.Kill(process.Pid, unix.SIGTERM)
}
