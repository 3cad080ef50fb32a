package proc

import (
	"errors"
	"fmt"
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError indicates that we detached from the target process.
type ProcessDetachedError struct {
}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

// ErrNoProcess is returned when an operation addresses a process that is
// not being debugged.
var ErrNoProcess = errors.New("no such process")

// PtraceError is returned when a ptrace request that must succeed on a
// stopped, traced process fails.
type PtraceError struct {
	Request string
	ID      int
	Err     error
}

func (pe *PtraceError) Error() string {
	return fmt.Sprintf("ptrace(%s, %d): %v", pe.Request, pe.ID, pe.Err)
}

func (pe *PtraceError) Unwrap() error {
	return pe.Err
}
