package runner

import (
	"bytes"
	"sync"
	"time"

	"github.com/runbox-sh/runbox/internal/stream"
)

// clientBuffer is the per-subscriber channel capacity. Subscribers are live
// mirrors of the authoritative aggregate; one that stalls past this backlog
// misses chunks rather than stalling the sequence for everyone else.
const clientBuffer = 256

// Hub consumes a background process's event sequence, retains the aggregate
// stdout/stderr for the final result payload, and fans events out to any
// attached live subscribers. The hub itself is the sequence's single blocking
// consumer, so no event is ever lost from the aggregate.
type Hub struct {
	requestID string

	mu         sync.Mutex
	pid        int
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	final      *stream.Event
	finishedAt time.Time
	clients    map[chan stream.Event]struct{}

	done chan struct{}
}

func newHub(requestID string, pid int) *Hub {
	return &Hub{
		requestID: requestID,
		pid:       pid,
		clients:   make(map[chan stream.Event]struct{}),
		done:      make(chan struct{}),
	}
}

// run consumes the sequence until it closes, then closes all subscriber
// channels. One call per hub.
func (h *Hub) run(events <-chan stream.Event) {
	for ev := range events {
		h.mu.Lock()
		switch ev.Kind {
		case stream.EventStarted:
			h.pid = ev.PID
		case stream.EventStdout:
			h.stdout.Write(ev.Chunk)
		case stream.EventStderr:
			h.stderr.Write(ev.Chunk)
		case stream.EventExited:
			final := ev
			h.final = &final
			h.finishedAt = time.Now()
		}
		for c := range h.clients {
			select {
			case c <- ev:
			default:
				// Subscriber backlog full; it catches up from later events.
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	for c := range h.clients {
		close(c)
	}
	h.clients = nil
	h.mu.Unlock()
	close(h.done)
}

// Subscribe attaches a live subscriber. replay carries the sequence observed
// so far (compacted to one chunk per stream); subsequent events arrive on the
// returned channel, which closes when the sequence ends. cancel detaches.
func (h *Hub) Subscribe() (replay []stream.Event, events <-chan stream.Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay = h.replayLocked()

	ch := make(chan stream.Event, clientBuffer)
	if h.clients == nil {
		// Sequence already ended; deliver the replay and a closed channel.
		close(ch)
		return replay, ch, func() {}
	}
	h.clients[ch] = struct{}{}
	return replay, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.clients != nil {
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		}
	}
}

func (h *Hub) replayLocked() []stream.Event {
	replay := []stream.Event{{Kind: stream.EventStarted, PID: h.pid}}
	if h.stdout.Len() > 0 {
		chunk := make([]byte, h.stdout.Len())
		copy(chunk, h.stdout.Bytes())
		replay = append(replay, stream.Event{Kind: stream.EventStdout, PID: h.pid, Chunk: chunk})
	}
	if h.stderr.Len() > 0 {
		chunk := make([]byte, h.stderr.Len())
		copy(chunk, h.stderr.Bytes())
		replay = append(replay, stream.Event{Kind: stream.EventStderr, PID: h.pid, Chunk: chunk})
	}
	if h.final != nil {
		replay = append(replay, *h.final)
	}
	return replay
}

// Done closes once the event sequence has ended.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// snapshot returns the pid and aggregate so far plus, when the sequence has
// ended, the terminal event and when it landed.
func (h *Hub) snapshot() (pid int, stdout, stderr string, final *stream.Event, finishedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.final != nil {
		f := *h.final
		final = &f
	}
	return h.pid, h.stdout.String(), h.stderr.String(), final, h.finishedAt
}
