// Package executor abstracts where commands actually run: in this process or
// on a remote runboxd instance. The MCP front end talks to an Executor and
// does not care which backend is wired in.
package executor

import (
	"context"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/terminate"
)

// Executor runs shell commands and manages the processes they create.
type Executor interface {
	// ExecSync runs the command and blocks until it exits. Cancelling ctx
	// terminates the process; the terminated result is still returned.
	ExecSync(ctx context.Context, requestID, command string) (runner.Result, error)
	// ExecBackground starts the command and returns immediately.
	ExecBackground(requestID, command string) (string, int, error)
	// List returns all tracked processes.
	List(ctx context.Context) ([]proc.Handle, error)
	// Get returns the current snapshot of a background run.
	Get(ctx context.Context, requestID string) (runner.Result, error)
	// Terminate ends the process with the given pid. Unknown pids error.
	Terminate(ctx context.Context, pid int) (terminate.Result, error)
	// Cancel requests termination by request id; unknown ids are benign.
	Cancel(ctx context.Context, requestID, reason string) error
}
