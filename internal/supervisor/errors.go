package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrInstanceNotFound       = errors.New("instance not found")
	ErrCommandNotFound        = errors.New("command not found in process table")
	ErrCommandExecutionFailed = errors.New("command execution failed")
	ErrProfileInUse           = errors.New("profile already has a running instance")
)

// LaunchError describes a spawn that never became a tracked instance.
type LaunchError struct {
	Command    string
	PID        int
	Terminated bool
	Err        error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %q: %v", e.Command, e.Err)
	if e.Terminated {
		msg += fmt.Sprintf(" (terminated pid %d)", e.PID)
	}
	return msg
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrCommandExecutionFailed, e.Err}
}
