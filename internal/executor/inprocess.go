package executor

import (
	"context"

	"github.com/runbox-sh/runbox/internal/gateway"
	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/terminate"
)

// InProcess executes commands locally through the runner.
type InProcess struct {
	runner  *runner.Runner
	gateway *gateway.Gateway
}

func NewInProcess(r *runner.Runner, g *gateway.Gateway) *InProcess {
	return &InProcess{runner: r, gateway: g}
}

func (e *InProcess) ExecSync(ctx context.Context, requestID, command string) (runner.Result, error) {
	return e.runner.RunSync(ctx, requestID, command)
}

func (e *InProcess) ExecBackground(requestID, command string) (string, int, error) {
	return e.runner.StartBackground(requestID, command)
}

func (e *InProcess) List(ctx context.Context) ([]proc.Handle, error) {
	return e.runner.List(), nil
}

func (e *InProcess) Get(ctx context.Context, requestID string) (runner.Result, error) {
	return e.runner.Snapshot(requestID)
}

func (e *InProcess) Terminate(ctx context.Context, pid int) (terminate.Result, error) {
	res, err := e.gateway.CancelByPID(pid)
	if err != nil {
		return res, err
	}
	e.runner.Release(res.RequestID)
	return res, nil
}

func (e *InProcess) Cancel(ctx context.Context, requestID, reason string) error {
	return e.gateway.CancelByRequestID(requestID, reason)
}
