package runner

import (
	"time"

	"github.com/runbox-sh/runbox/internal/proc"
)

// Result is the aggregated outcome of one command: concatenated stdout and
// stderr plus the exit code, or a null exit code with the signal when the
// process was terminated rather than allowed to complete.
type Result struct {
	RequestID string      `json:"request_id"`
	Command   string      `json:"command"`
	PID       int         `json:"pid"`
	Stdout    string      `json:"output"`
	Stderr    string      `json:"error"`
	ExitCode  *int        `json:"return_code"`
	Status    proc.Status `json:"status"`
	Signal    string      `json:"signal,omitempty"`
	StartedAt time.Time   `json:"started_at"`
}
