package stream

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/spawn"
)

const (
	readBufferSize = 32 * 1024
	defaultBuffer  = 64

	// How long the exit observer waits for the termination controller to
	// record the signal it delivered before concluding nobody drove the kill.
	terminalSettleWindow = 2 * time.Second
	terminalSettlePoll   = 25 * time.Millisecond
)

// Streamer produces the event sequence for one spawned process. The sequence
// is lazy, finite, and not restartable: one Streamer per process instance,
// one call to Run, one receiver draining Events.
type Streamer struct {
	reg       *proc.Registry
	requestID string
	process   spawn.Process
	events    chan Event
	log       *zap.Logger

	settleWindow time.Duration
}

// New prepares a streamer for an already-spawned process. buffer bounds the
// event channel; sends block when the consumer lags, so no event is dropped.
func New(reg *proc.Registry, requestID string, p spawn.Process, buffer int, log *zap.Logger) *Streamer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Streamer{
		reg:          reg,
		requestID:    requestID,
		process:      p,
		events:       make(chan Event, buffer),
		log:          log,
		settleWindow: terminalSettleWindow,
	}
}

// Events returns the event sequence. The channel is closed after the exited
// event, which is emitted only once both pipes are fully drained and the
// process has been reaped.
func (s *Streamer) Events() <-chan Event {
	return s.events
}

// Run drains both output pipes, waits for the process to exit, resolves the
// final status against the registry, and closes the event channel. It blocks
// until the sequence is complete; callers normally run it on its own
// goroutine.
func (s *Streamer) Run() {
	defer close(s.events)

	pid := s.process.PID()
	s.events <- Event{Kind: EventStarted, PID: pid}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.drain(EventStdout, s.process.Stdout(), &wg)
	go s.drain(EventStderr, s.process.Stderr(), &wg)
	wg.Wait()

	exitCode, signaled, waitErr := s.process.Wait()
	h := s.resolve(exitCode, signaled, waitErr)

	s.events <- Event{
		Kind:     EventExited,
		PID:      pid,
		Status:   h.Status,
		ExitCode: h.ExitCode,
		Signal:   h.TerminationSignal,
	}
}

// drain forwards one pipe chunk by chunk. Events from the same pipe preserve
// emission order; interleaving across the two pipes is best-effort.
func (s *Streamer) drain(kind EventKind, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.events <- Event{Kind: kind, PID: s.process.PID(), Chunk: chunk}
		}
		if err != nil {
			return
		}
	}
}

// resolve records the observed exit in the registry and returns the handle
// whose terminal status the exited event should carry. The registry decides
// races: if the termination controller already marked the handle, its verdict
// stands.
func (s *Streamer) resolve(exitCode int, signaled bool, waitErr error) proc.Handle {
	if waitErr != nil {
		h, err := s.reg.MarkFailed(s.requestID, waitErr.Error())
		return s.settle(h, err)
	}

	if signaled {
		// A signal death is normally the termination controller finishing its
		// job; give it a moment to record which signal won before concluding
		// the process was killed from outside.
		deadline := time.Now().Add(s.settleWindow)
		for time.Now().Before(deadline) {
			if h, err := s.reg.GetByRequestID(s.requestID); err != nil || h.Status.Terminal() {
				if err != nil {
					return proc.Handle{RequestID: s.requestID, Status: proc.StatusTerminated}
				}
				return h
			}
			time.Sleep(terminalSettlePoll)
		}
		h, err := s.reg.MarkFailed(s.requestID, "killed by signal")
		return s.settle(h, err)
	}

	h, err := s.reg.MarkCompleted(s.requestID, exitCode)
	return s.settle(h, err)
}

// settle maps registry outcomes to the handle to report. A lost race
// (ErrInvalidTransition) means another observer already recorded a terminal
// status; that status is the truth. A missing handle means the caller already
// consumed and unregistered it, so completion is reported directly.
func (s *Streamer) settle(h proc.Handle, err error) proc.Handle {
	switch {
	case err == nil:
		return h
	case errors.Is(err, proc.ErrInvalidTransition):
		return h
	case errors.Is(err, proc.ErrNotFound):
		s.log.Warn("process unregistered before exit was recorded",
			zap.String("request_id", s.requestID))
		return proc.Handle{RequestID: s.requestID, Status: proc.StatusCompleted}
	default:
		return h
	}
}
