//go:build unix && !linux

// Package procattr configures sidecar subprocesses so that a request's whole
// process tree can be signalled and does not outlive the host.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group. Pdeathsig is Linux-only.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
