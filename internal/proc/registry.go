package proc

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("process not found")
	ErrDuplicateRequestID = errors.New("request id already registered")
	ErrInvalidTransition  = errors.New("process already in a terminal status")
)

// Registry maintains bidirectional mappings between request correlation
// tokens and OS pids. All mutation goes through the registry so that
// concurrent termination attempts and natural-completion observers cannot
// both win on the same handle.
type Registry struct {
	mu        sync.RWMutex
	byRequest map[string]*Handle
	byPID     map[int]*Handle
	log       *zap.Logger
}

// NewRegistry creates an empty registry. One registry is constructed per
// supervising server instance and shared by reference.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		byRequest: make(map[string]*Handle),
		byPID:     make(map[int]*Handle),
		log:       log,
	}
}

// Register inserts a new running handle. It fails with ErrDuplicateRequestID
// if the request id is already present. A pid left behind by an earlier
// terminal handle is re-pointed to the new handle; two running handles can
// never share a pid.
func (r *Registry) Register(requestID string, pid int, command string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRequest[requestID]; ok {
		return Handle{}, ErrDuplicateRequestID
	}
	if prev, ok := r.byPID[pid]; ok && prev.Status == StatusRunning {
		return Handle{}, ErrDuplicateRequestID
	}

	h := &Handle{
		RequestID: requestID,
		PID:       pid,
		Command:   command,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	r.byRequest[requestID] = h
	r.byPID[pid] = h

	r.log.Info("registered process",
		zap.String("request_id", requestID),
		zap.Int("pid", pid))
	return *h, nil
}

// GetByRequestID returns a snapshot of the handle for the given request id.
func (r *Registry) GetByRequestID(requestID string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byRequest[requestID]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return *h, nil
}

// GetByPID returns a snapshot of the handle for the given pid.
func (r *Registry) GetByPID(pid int) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byPID[pid]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return *h, nil
}

// MarkCompleted records a natural exit with the given exit code.
func (r *Registry) MarkCompleted(requestID string, exitCode int) (Handle, error) {
	return r.mark(requestID, func(h *Handle) {
		h.Status = StatusCompleted
		code := exitCode
		h.ExitCode = &code
	})
}

// MarkFailed records that the process could not run to a useful exit.
func (r *Registry) MarkFailed(requestID string, reason string) (Handle, error) {
	return r.mark(requestID, func(h *Handle) {
		h.Status = StatusFailed
		h.Reason = reason
	})
}

// MarkTerminated records a controller-driven termination with the signal that
// ended the process and the caller-supplied reason.
func (r *Registry) MarkTerminated(requestID string, signal string, reason string) (Handle, error) {
	return r.mark(requestID, func(h *Handle) {
		h.Status = StatusTerminated
		h.TerminationSignal = signal
		h.Reason = reason
		now := time.Now()
		h.TerminatedAt = &now
	})
}

// mark applies a terminal transition under the registry lock. Exactly one
// concurrent mark per handle succeeds; later attempts observe
// ErrInvalidTransition and leave the handle unchanged.
func (r *Registry) mark(requestID string, apply func(*Handle)) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byRequest[requestID]
	if !ok {
		return Handle{}, ErrNotFound
	}
	if h.Status.Terminal() {
		return *h, ErrInvalidTransition
	}
	apply(h)
	return *h, nil
}

// Unregister removes the handle for the given request id regardless of its
// status and returns it. The same request id can never be re-registered by a
// well-behaved caller; fresh commands allocate fresh ids.
func (r *Registry) Unregister(requestID string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byRequest[requestID]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return r.remove(h), nil
}

// UnregisterPID removes the handle for the given pid regardless of status.
func (r *Registry) UnregisterPID(pid int) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byPID[pid]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return r.remove(h), nil
}

func (r *Registry) remove(h *Handle) Handle {
	delete(r.byRequest, h.RequestID)
	// Only clear the pid mapping if it still points at this handle; the pid
	// may have been reused by a newer registration.
	if cur, ok := r.byPID[h.PID]; ok && cur == h {
		delete(r.byPID, h.PID)
	}
	r.log.Info("unregistered process",
		zap.String("request_id", h.RequestID),
		zap.Int("pid", h.PID))
	return *h
}

// ListAll returns a snapshot of every tracked handle ordered by start time.
func (r *Registry) ListAll() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.byRequest))
	for _, h := range r.byRequest {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
