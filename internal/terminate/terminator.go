// Package terminate converts "terminate this process" into OS signal
// delivery with bounded, observable escalation: a polite SIGTERM first, then
// SIGKILL once the configured timeout expires.
package terminate

import (
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
)

const (
	// DefaultTimeout bounds the polite-signal wait before escalation.
	DefaultTimeout = 30 * time.Second
	// DefaultPoll is the exit-detection poll interval.
	DefaultPoll = 250 * time.Millisecond
	// DefaultKillGrace is the brief wait for the OS to reap after SIGKILL.
	DefaultKillGrace = 500 * time.Millisecond
)

// Result describes the outcome of one termination attempt.
type Result struct {
	RequestID string `json:"request_id"`
	PID       int    `json:"pid"`
	// Signal that ended the process: SIGTERM when the polite request was
	// honored, SIGKILL after escalation, empty when the process was already
	// gone before any signal was sent.
	Signal string `json:"signal,omitempty"`
	// AlreadyExited is true when the target had exited before the controller
	// delivered a signal.
	AlreadyExited bool `json:"already_exited,omitempty"`
}

// Controller drives graceful termination against registry handles. A
// termination attempt never blocks longer than timeout + kill grace.
type Controller struct {
	reg       *proc.Registry
	timeout   time.Duration
	poll      time.Duration
	killGrace time.Duration
	log       *zap.Logger
}

// NewController creates a controller with the given polite-signal timeout.
// Non-positive durations fall back to the defaults.
func NewController(reg *proc.Registry, timeout, poll, killGrace time.Duration, log *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Controller{
		reg:       reg,
		timeout:   timeout,
		poll:      poll,
		killGrace: killGrace,
		log:       log,
	}
}

// TerminateByRequestID terminates the process registered under the given
// request id. It returns proc.ErrNotFound when no handle exists and
// proc.ErrInvalidTransition when the handle already reached a terminal
// status; callers on the cancellation path treat both as "already done".
func (c *Controller) TerminateByRequestID(requestID, reason string) (Result, error) {
	h, err := c.reg.GetByRequestID(requestID)
	if err != nil {
		return Result{}, err
	}
	return c.terminate(h, reason)
}

// TerminateByPID terminates the process registered under the given pid.
func (c *Controller) TerminateByPID(pid int, reason string) (Result, error) {
	h, err := c.reg.GetByPID(pid)
	if err != nil {
		return Result{}, err
	}
	return c.terminate(h, reason)
}

// terminate runs the escalation sequence against one handle. Idempotence
// comes from the registry: only the first attempt finds the handle running,
// later ones observe ErrInvalidTransition and send no signals.
func (c *Controller) terminate(h proc.Handle, reason string) (Result, error) {
	if h.Status.Terminal() {
		return Result{RequestID: h.RequestID, PID: h.PID}, proc.ErrInvalidTransition
	}

	res := Result{RequestID: h.RequestID, PID: h.PID}

	if !alive(h.PID) {
		// Lost the race against natural completion; the exit observer records
		// the final status.
		c.log.Info("termination target already exited",
			zap.String("request_id", h.RequestID),
			zap.Int("pid", h.PID))
		res.AlreadyExited = true
		return res, nil
	}

	c.log.Info("terminating process",
		zap.String("request_id", h.RequestID),
		zap.Int("pid", h.PID),
		zap.String("reason", reason))

	signalGroup(h.PID, syscall.SIGTERM)
	res.Signal = "SIGTERM"

	deadline := time.Now().Add(c.timeout)
	exited := false
	for time.Now().Before(deadline) {
		time.Sleep(c.poll)
		if !alive(h.PID) {
			exited = true
			break
		}
	}

	if !exited {
		c.log.Warn("process ignored SIGTERM, escalating to SIGKILL",
			zap.String("request_id", h.RequestID),
			zap.Int("pid", h.PID))
		signalGroup(h.PID, syscall.SIGKILL)
		res.Signal = "SIGKILL"
		time.Sleep(c.killGrace)
	}

	if _, err := c.reg.MarkTerminated(h.RequestID, res.Signal, reason); err != nil {
		// Natural completion won at the registry; nothing further to record.
		c.log.Info("termination lost registry race",
			zap.String("request_id", h.RequestID),
			zap.Error(err))
	}
	return res, nil
}

// KillGroup delivers SIGKILL to a process group immediately, without the
// polite escalation. Used to tear down a process that was spawned but could
// not be tracked.
func KillGroup(pid int) {
	signalGroup(pid, syscall.SIGKILL)
}

// signalGroup signals the whole process group, falling back to the single
// process when the group is gone.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}

// alive reports whether a process with the given pid can still receive
// signals.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
