// Package runner ties spawning, registration, streaming and termination into
// the two execution modes callers use: synchronous runs that aggregate output
// into a single result, and background runs whose output is retained and
// fanned out to live subscribers until a retention sweep reclaims them.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/spawn"
	"github.com/runbox-sh/runbox/internal/stream"
	"github.com/runbox-sh/runbox/internal/terminate"
)

const (
	// DefaultRetention is how long a finished background run stays queryable.
	DefaultRetention = time.Hour
	// DefaultSweepInterval is how often finished runs past retention are reclaimed.
	DefaultSweepInterval = time.Minute
	// DefaultEventBuffer is the streamer channel capacity per run.
	DefaultEventBuffer = 64
)

// ErrNotBackground is returned when a request id names a synchronous run or
// no run at all where a background one is required.
var ErrNotBackground = errors.New("not a background process")

// Options configures a Runner. Zero values fall back to the defaults above.
type Options struct {
	WorkDir       string
	EventBuffer   int
	Retention     time.Duration
	SweepInterval time.Duration
}

// Runner owns the execution lifecycle for both synchronous and background
// commands.
type Runner struct {
	spawner spawn.Spawner
	reg     *proc.Registry
	ctrl    *terminate.Controller
	log     *zap.Logger
	opts    Options

	mu   sync.Mutex
	hubs map[string]*Hub

	stop     chan struct{}
	stopOnce sync.Once
}

func New(spawner spawn.Spawner, reg *proc.Registry, ctrl *terminate.Controller, opts Options, log *zap.Logger) *Runner {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	r := &Runner{
		spawner: spawner,
		reg:     reg,
		ctrl:    ctrl,
		log:     log,
		opts:    opts,
		hubs:    make(map[string]*Hub),
		stop:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// start spawns the command and registers it, returning a running streamer.
// Registration happens before the request id is revealed to any caller, so a
// cancellation can never legitimately name a process that is not yet tracked.
func (r *Runner) start(requestID, command string) (string, *stream.Streamer, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	p, err := r.spawner.Spawn(command, r.opts.WorkDir)
	if err != nil {
		return "", nil, err
	}
	if _, err := r.reg.Register(requestID, p.PID(), command); err != nil {
		// The process is up but cannot be tracked; tear it down before the
		// error surfaces.
		terminate.KillGroup(p.PID())
		go p.Wait()
		return "", nil, err
	}

	r.log.Info("process started",
		zap.String("request_id", requestID),
		zap.Int("pid", p.PID()),
		zap.String("command", command))

	s := stream.New(r.reg, requestID, p, r.opts.EventBuffer, r.log)
	go s.Run()
	return requestID, s, nil
}

// RunSync executes the command and blocks until it exits, aggregating the
// event sequence into a Result. Cancelling ctx triggers termination of the
// process group, and the call still returns the terminated result once the
// sequence ends. The registry entry is released after the result is built.
func (r *Runner) RunSync(ctx context.Context, requestID, command string) (Result, error) {
	requestID, s, err := r.start(requestID, command)
	if err != nil {
		return Result{}, err
	}

	res := Result{RequestID: requestID, Command: command}
	var stdout, stderr []byte
	done := ctx.Done()

	events := s.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case stream.EventStarted:
				res.PID = ev.PID
			case stream.EventStdout:
				stdout = append(stdout, ev.Chunk...)
			case stream.EventStderr:
				stderr = append(stderr, ev.Chunk...)
			case stream.EventExited:
				res.Status = ev.Status
				res.ExitCode = ev.ExitCode
				res.Signal = ev.Signal
			}
		case <-done:
			done = nil
			id := requestID
			go func() {
				if _, err := r.ctrl.TerminateByRequestID(id, "client disconnected"); err != nil &&
					!errors.Is(err, proc.ErrInvalidTransition) && !errors.Is(err, proc.ErrNotFound) {
					r.log.Warn("terminate on disconnect failed",
						zap.String("request_id", id), zap.Error(err))
				}
			}()
			// Keep draining; the sequence ends once the group is down.
		}
	}

	res.Stdout = string(stdout)
	res.Stderr = string(stderr)
	if h, err := r.reg.GetByRequestID(requestID); err == nil {
		res.StartedAt = h.StartedAt
	}
	r.reg.Unregister(requestID)
	return res, nil
}

// StartBackground launches the command and returns immediately with the
// request id and pid. Output accumulates in a hub until the retention sweep
// reclaims the finished run.
func (r *Runner) StartBackground(requestID, command string) (string, int, error) {
	requestID, s, err := r.start(requestID, command)
	if err != nil {
		return "", 0, err
	}

	h, err := r.reg.GetByRequestID(requestID)
	if err != nil {
		return "", 0, err
	}

	hub := newHub(requestID, h.PID)
	r.mu.Lock()
	r.hubs[requestID] = hub
	r.mu.Unlock()
	go hub.run(s.Events())

	return requestID, h.PID, nil
}

// Hub returns the fan-out hub of a background run.
func (r *Runner) Hub(requestID string) (*Hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hub, ok := r.hubs[requestID]
	if !ok {
		return nil, ErrNotBackground
	}
	return hub, nil
}

// Snapshot reports the current state of a background run: its handle plus the
// output aggregated so far.
func (r *Runner) Snapshot(requestID string) (Result, error) {
	hub, err := r.Hub(requestID)
	if err != nil {
		return Result{}, err
	}

	pid, stdout, stderr, final, _ := hub.snapshot()
	res := Result{
		RequestID: requestID,
		PID:       pid,
		Stdout:    stdout,
		Stderr:    stderr,
		Status:    proc.StatusRunning,
	}
	if h, err := r.reg.GetByRequestID(requestID); err == nil {
		res.Command = h.Command
		res.StartedAt = h.StartedAt
		res.Status = h.Status
	}
	if final != nil {
		res.Status = final.Status
		res.ExitCode = final.ExitCode
		res.Signal = final.Signal
	}
	return res, nil
}

// List returns snapshots of all tracked processes, running and retained.
func (r *Runner) List() []proc.Handle {
	return r.reg.ListAll()
}

// Release drops a background run's hub and registry entry regardless of
// retention, typically after an explicit terminate.
func (r *Runner) Release(requestID string) {
	r.mu.Lock()
	delete(r.hubs, requestID)
	r.mu.Unlock()
	r.reg.Unregister(requestID)
}

// Shutdown terminates every running process and stops the retention sweep.
// It blocks until all terminations have resolved.
func (r *Runner) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })

	var wg sync.WaitGroup
	for _, h := range r.reg.ListAll() {
		if h.Status.Terminal() {
			continue
		}
		wg.Add(1)
		go func(requestID string) {
			defer wg.Done()
			if _, err := r.ctrl.TerminateByRequestID(requestID, "server shutting down"); err != nil &&
				!errors.Is(err, proc.ErrInvalidTransition) && !errors.Is(err, proc.ErrNotFound) {
				r.log.Warn("shutdown terminate failed",
					zap.String("request_id", requestID), zap.Error(err))
			}
		}(h.RequestID)
	}
	wg.Wait()
}

func (r *Runner) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep reclaims background runs that finished more than the retention period
// before now.
func (r *Runner) sweep(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, hub := range r.hubs {
		_, _, _, final, finishedAt := hub.snapshot()
		if final != nil && now.Sub(finishedAt) > r.opts.Retention {
			expired = append(expired, id)
			delete(r.hubs, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.reg.Unregister(id)
		r.log.Info("retired finished process", zap.String("request_id", id))
	}
}
