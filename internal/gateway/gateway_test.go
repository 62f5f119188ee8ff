package gateway

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/spawn"
	"github.com/runbox-sh/runbox/internal/terminate"
)

func newTestGateway(t *testing.T) (*Gateway, *proc.Registry) {
	t.Helper()
	reg := proc.NewRegistry(zap.NewNop())
	ctrl := terminate.NewController(reg, 10*time.Second, 50*time.Millisecond, 200*time.Millisecond, zap.NewNop())
	return New(reg, ctrl, zap.NewNop()), reg
}

func TestCancelByPIDUnknownSurfaces(t *testing.T) {
	g, _ := newTestGateway(t)

	_, err := g.CancelByPID(999999)
	assert.ErrorIs(t, err, proc.ErrNotFound)
}

func TestCancelByPIDTerminates(t *testing.T) {
	g, reg := newTestGateway(t)

	p, err := (&spawn.Local{}).Spawn("sleep 60", t.TempDir())
	require.NoError(t, err)
	_, err = reg.Register("req-1", p.PID(), "sleep 60")
	require.NoError(t, err)
	go func() {
		io.Copy(io.Discard, p.Stdout())
		io.Copy(io.Discard, p.Stderr())
		p.Wait()
	}()

	res, err := g.CancelByPID(p.PID())
	require.NoError(t, err)
	assert.Equal(t, "SIGTERM", res.Signal)

	h, err := reg.GetByRequestID("req-1")
	require.NoError(t, err)
	assert.Equal(t, proc.StatusTerminated, h.Status)
	assert.Equal(t, ReasonManual, h.Reason)
}

func TestCancelByRequestIDUnknownIsBenign(t *testing.T) {
	g, _ := newTestGateway(t)

	// The request finished and was unregistered before cancellation arrived.
	assert.NoError(t, g.CancelByRequestID("long-gone", "client closed stream"))
}

func TestCancelByRequestIDAfterCompletionIsBenign(t *testing.T) {
	g, reg := newTestGateway(t)

	_, err := reg.Register("req-done", 424242, "true")
	require.NoError(t, err)
	_, err = reg.MarkCompleted("req-done", 0)
	require.NoError(t, err)

	assert.NoError(t, g.CancelByRequestID("req-done", ""))

	// The losing cancellation left the completed record untouched.
	h, err := reg.GetByRequestID("req-done")
	require.NoError(t, err)
	assert.Equal(t, proc.StatusCompleted, h.Status)
	assert.Empty(t, h.TerminationSignal)
}

func TestCancelByRequestIDDefaultReason(t *testing.T) {
	g, reg := newTestGateway(t)

	p, err := (&spawn.Local{}).Spawn("sleep 60", t.TempDir())
	require.NoError(t, err)
	_, err = reg.Register("req-cancel", p.PID(), "sleep 60")
	require.NoError(t, err)
	go func() {
		io.Copy(io.Discard, p.Stdout())
		io.Copy(io.Discard, p.Stderr())
		p.Wait()
	}()

	require.NoError(t, g.CancelByRequestID("req-cancel", ""))

	h, err := reg.GetByRequestID("req-cancel")
	require.NoError(t, err)
	assert.Equal(t, proc.StatusTerminated, h.Status)
	assert.Equal(t, ReasonCancelled, h.Reason)
}
