//go:build unix

package procattr

import (
	"errors"
	"os"
	"syscall"
)

// SignalGroup delivers sig to the process group led by p. A group that has
// already exited is not an error.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Terminate asks the group to exit.
func Terminate(p *os.Process) error {
	return SignalGroup(p, syscall.SIGTERM)
}
