// Package spawn launches shell commands and exposes them through a small
// capability interface: a pid, readable stdout/stderr streams, and an
// awaitable exit status. Supervision code never touches os/exec directly so
// the backing implementation (native or sandboxed) stays swappable.
package spawn

import (
	"fmt"
	"io"
)

// Process is one live spawned process.
type Process interface {
	// PID returns the OS process id, assigned at spawn and immutable.
	PID() int
	// Stdout and Stderr return the live output pipes. Each must be drained
	// concurrently with execution; they close when the process exits.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process has exited and been reaped. signaled is
	// true (and exitCode -1) when the process died from a signal.
	Wait() (exitCode int, signaled bool, err error)
}

// Spawner starts a shell command in the given working directory.
type Spawner interface {
	Spawn(command, dir string) (Process, error)
}

// Error reports that the underlying process could not be created. No handle
// is ever registered for a failed spawn.
type Error struct {
	Command string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
