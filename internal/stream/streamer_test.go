package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/spawn"
	"github.com/runbox-sh/runbox/internal/terminate"
)

func collect(t *testing.T, s *Streamer) []Event {
	t.Helper()

	done := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev := range s.Events() {
			events = append(events, ev)
		}
		done <- events
	}()
	go s.Run()

	select {
	case events := <-done:
		return events
	case <-time.After(30 * time.Second):
		t.Fatal("event sequence did not terminate")
		return nil
	}
}

func startStreamer(t *testing.T, reg *proc.Registry, requestID, command string) (*Streamer, spawn.Process) {
	t.Helper()

	p, err := (&spawn.Local{}).Spawn(command, t.TempDir())
	require.NoError(t, err)
	_, err = reg.Register(requestID, p.PID(), command)
	require.NoError(t, err)
	return New(reg, requestID, p, 16, zap.NewNop()), p
}

func TestStreamEchoHello(t *testing.T) {
	reg := proc.NewRegistry(zap.NewNop())
	s, p := startStreamer(t, reg, "req-echo", "echo hello")

	events := collect(t, s)
	require.NotEmpty(t, events)

	// started first, exactly one exited last.
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, p.PID(), events[0].PID)

	last := events[len(events)-1]
	assert.Equal(t, EventExited, last.Kind)
	assert.Equal(t, proc.StatusCompleted, last.Status)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)

	var stdout string
	for _, ev := range events[1 : len(events)-1] {
		assert.Contains(t, []EventKind{EventStdout, EventStderr}, ev.Kind)
		if ev.Kind == EventStdout {
			stdout += string(ev.Chunk)
		}
	}
	assert.Contains(t, stdout, "hello")

	h, err := reg.GetByRequestID("req-echo")
	require.NoError(t, err)
	assert.Equal(t, proc.StatusCompleted, h.Status)
}

func TestStreamSeparatesStderr(t *testing.T) {
	reg := proc.NewRegistry(zap.NewNop())
	s, _ := startStreamer(t, reg, "req-err", "echo out; echo err >&2; exit 4")

	events := collect(t, s)

	var stdout, stderr string
	for _, ev := range events {
		switch ev.Kind {
		case EventStdout:
			stdout += string(ev.Chunk)
		case EventStderr:
			stderr += string(ev.Chunk)
		}
	}
	assert.Contains(t, stdout, "out")
	assert.Contains(t, stderr, "err")

	last := events[len(events)-1]
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 4, *last.ExitCode)
	assert.Equal(t, proc.StatusCompleted, last.Status)
}

func TestStreamPerStreamOrderPreserved(t *testing.T) {
	reg := proc.NewRegistry(zap.NewNop())
	s, _ := startStreamer(t, reg, "req-order", "printf one; printf two; printf three")

	events := collect(t, s)

	var stdout string
	for _, ev := range events {
		if ev.Kind == EventStdout {
			stdout += string(ev.Chunk)
		}
	}
	assert.Equal(t, "onetwothree", stdout)
}

func TestStreamTerminatedMidStream(t *testing.T) {
	reg := proc.NewRegistry(zap.NewNop())
	ctrl := terminate.NewController(reg, 10*time.Second, 50*time.Millisecond, 200*time.Millisecond, zap.NewNop())

	s, p := startStreamer(t, reg, "req-term", "echo early; sleep 60")

	sawEarly := make(chan struct{})
	done := make(chan []Event, 1)
	go func() {
		var events []Event
		notified := false
		for ev := range s.Events() {
			events = append(events, ev)
			if !notified && ev.Kind == EventStdout {
				close(sawEarly)
				notified = true
			}
		}
		done <- events
	}()
	go s.Run()

	// Wait for output already flushed to the pipe, then kill the process.
	select {
	case <-sawEarly:
	case <-time.After(10 * time.Second):
		t.Fatal("no stdout before termination")
	}
	_, err := ctrl.TerminateByPID(p.PID(), "client cancelled")
	require.NoError(t, err)

	var events []Event
	select {
	case events = <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("event sequence did not terminate after kill")
	}

	// Buffered output was flushed and the final status reflects termination.
	var stdout string
	for _, ev := range events {
		if ev.Kind == EventStdout {
			stdout += string(ev.Chunk)
		}
	}
	assert.Contains(t, stdout, "early")

	last := events[len(events)-1]
	assert.Equal(t, EventExited, last.Kind)
	assert.Equal(t, proc.StatusTerminated, last.Status)
	assert.Equal(t, "SIGTERM", last.Signal)
	assert.Nil(t, last.ExitCode)
}
