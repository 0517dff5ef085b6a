package sidecar

import (
	"fmt"
)

// MissingDependencyError indicates the sidecar command or its entry script
// could not be found. It is reported distinctly from runtime failures so the
// UI can tell the user to install the sidecar rather than retry.
type MissingDependencyError struct {
	Cause error
	Path  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("sidecar not found at %q: %v", e.Path, e.Cause)
}

func (e *MissingDependencyError) Unwrap() error {
	return e.Cause
}

// ProcessError represents a sidecar that failed to start or exited unsuccessfully.
type ProcessError struct {
	Cause    error
	Message  string
	Stderr   string
	ExitCode int // -1 when the process was killed by a signal
	Started  bool
}

func (e *ProcessError) Error() string {
	if e.Started && e.ExitCode != 0 {
		return fmt.Sprintf("process error: %s (exit code %d)", e.Message, e.ExitCode)
	}
	return fmt.Sprintf("process error: %s", e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}
