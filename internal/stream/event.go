// Package stream drains a running process's output pipes concurrently with
// its execution and emits the result as a single ordered event sequence.
package stream

import "github.com/runbox-sh/runbox/internal/proc"

// EventKind tags the variants of the output event sequence.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStdout  EventKind = "stdout"
	EventStderr  EventKind = "stderr"
	EventExited  EventKind = "exited"
)

// Event is one element of a process's output sequence. The sequence begins
// with exactly one started event and ends with exactly one exited event;
// stdout/stderr chunks preserve per-stream emission order in between.
type Event struct {
	Kind EventKind `json:"kind"`
	PID  int       `json:"pid,omitempty"`

	// Chunk carries stdout/stderr payload bytes.
	Chunk []byte `json:"chunk,omitempty"`

	// Terminal fields, set on the exited event only. ExitCode is nil when the
	// process was ended by a signal; Signal then names the signal that the
	// termination controller recorded.
	Status   proc.Status `json:"status,omitempty"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Signal   string      `json:"signal,omitempty"`
}
