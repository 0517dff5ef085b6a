//go:build linux

// Package procattr configures sidecar subprocesses so that a request's whole
// process tree can be signalled and does not outlive the host.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group and asks the kernel to send it
// SIGTERM if the host dies.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
