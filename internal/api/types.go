// Package api defines the JSON request and response shapes shared by the
// runboxd HTTP handlers and the remote execution client.
package api

// ExecRequest starts a command, synchronously or in the background.
// RequestID is optional; the server generates one when absent.
type ExecRequest struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`
}

// BackgroundResponse acknowledges a background start.
type BackgroundResponse struct {
	RequestID string `json:"request_id"`
	PID       int    `json:"pid"`
	Status    string `json:"status"`
}

// CancelRequest cancels by request id or by pid. Cancellation of an unknown
// or already-finished target succeeds silently.
type CancelRequest struct {
	RequestID string `json:"request_id,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorResponse is the body of non-2xx API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
