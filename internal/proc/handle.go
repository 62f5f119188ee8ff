// Package proc tracks spawned OS processes and their lifecycle.
//
// A Handle records one tracked process: the request correlation token that
// started it, the OS pid, and its lifecycle status. The Registry is the single
// source of truth for the requestID<->pid mapping and owns all status
// mutation. Statuses move one way: running -> completed | terminated | failed.
package proc

import "time"

// Status is the lifecycle state of a tracked process.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated || s == StatusFailed
}

// Handle is the bookkeeping record for one tracked process. Values returned
// by the Registry are snapshots; mutating a copy has no effect on the
// registry's state.
type Handle struct {
	RequestID string    `json:"request_id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`

	// ExitCode is set once the process exited naturally. It stays nil for
	// signal-driven termination.
	ExitCode *int `json:"exit_code,omitempty"`

	// TerminatedAt and TerminationSignal are set only when termination was
	// driven by the termination controller.
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationSignal string     `json:"termination_signal,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}
