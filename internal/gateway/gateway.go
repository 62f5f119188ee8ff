// Package gateway is the single entry point for termination intent. Both the
// explicit tool path (by pid) and protocol cancellation (by request id)
// normalize into the same termination controller call, so there is exactly
// one teardown code path regardless of trigger.
package gateway

import (
	"errors"

	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/terminate"
)

const (
	// ReasonManual is recorded when a caller terminates by pid explicitly.
	ReasonManual = "manual termination"
	// ReasonCancelled is recorded for protocol-level cancellation.
	ReasonCancelled = "client cancelled"
)

// Gateway resolves termination intents against the registry and drives the
// termination controller.
type Gateway struct {
	reg  *proc.Registry
	ctrl *terminate.Controller
	log  *zap.Logger
}

func New(reg *proc.Registry, ctrl *terminate.Controller, log *zap.Logger) *Gateway {
	return &Gateway{reg: reg, ctrl: ctrl, log: log}
}

// CancelByPID handles the explicit-intent path. Lookup failures surface to
// the caller: terminating a pid that is not tracked is an error.
func (g *Gateway) CancelByPID(pid int) (terminate.Result, error) {
	return g.ctrl.TerminateByPID(pid, ReasonManual)
}

// CancelByRequestID handles protocol cancellation. A request that already
// finished, was already terminated, or was never seen is a benign no-op: the
// race between natural completion and cancellation is expected and tolerated
// silently. A cancellation arriving before a command is registered falls into
// the same bucket and is dropped; registration completes before a request id
// is ever revealed to a caller, so such an id cannot name in-flight work.
func (g *Gateway) CancelByRequestID(requestID, reason string) error {
	if reason == "" {
		reason = ReasonCancelled
	}

	_, err := g.ctrl.TerminateByRequestID(requestID, reason)
	if err == nil {
		return nil
	}
	if errors.Is(err, proc.ErrNotFound) || errors.Is(err, proc.ErrInvalidTransition) {
		g.log.Info("cancellation for finished request ignored",
			zap.String("request_id", requestID),
			zap.String("reason", reason))
		return nil
	}
	return err
}
