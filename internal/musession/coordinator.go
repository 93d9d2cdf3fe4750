// Package musession implements the Session Coordinator (C8): the
// top-level configure/run/stop/wait/is_alive API that composes the
// transfer or playback engine with its downstream fan-out, enforcing a
// one-live-session-at-a-time acquisition semaphore as an explicit value
// object rather than package-level mutable state.
package musession

import (
	"fmt"
	"sync"

	"github.com/distalsense/megamicro/internal/muparams"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

// State enumerates the coordinator's lifecycle stages.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// SessionState is the read-only snapshot status queries observe.
type SessionState struct {
	State  State
	Params *muparams.Resolved
	Err    error
}

// Runner is satisfied by both mutransfer.Engine and muplayback.Engine: the
// coordinator is agnostic to whether the session is live or playback.
type Runner interface {
	Run() error
}

// Semaphore bounds how many acquisitions may run concurrently; the server
// process shares one instance across every Coordinator to enforce
// one-live-session-at-a-time.
type Semaphore chan struct{}

// NewSemaphore returns a semaphore allowing n concurrent acquisitions.
// The server wiring in cmd/muserver uses NewSemaphore(1).
func NewSemaphore(n int) Semaphore {
	return make(Semaphore, n)
}

// Coordinator owns one session's lifecycle: configure, run, stop, wait.
type Coordinator struct {
	sem Semaphore

	mu     sync.Mutex
	state  State
	params *muparams.Resolved
	cancel *mutransfer.CancellationToken
	done   chan struct{}
	err    error
}

// New binds a coordinator to the process-wide acquisition semaphore.
func New(sem Semaphore) *Coordinator {
	return &Coordinator{sem: sem, state: StateIdle}
}

// Configure validates and resolves raw parameters without starting
// anything.
func Configure(raw muparams.Raw) (*muparams.Resolved, error) {
	return muparams.Configure(raw)
}

// Run starts runner in a background goroutine after acquiring the shared
// semaphore, and returns immediately (block=false is this module's only
// mode; synchronous use is just run-then-wait). A session already running
// on this coordinator is rejected without touching the semaphore.
func (c *Coordinator) Run(params *muparams.Resolved, cancel *mutransfer.CancellationToken, runner Runner) error {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	c.params = params
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.state = StateRunning
	c.mu.Unlock()

	go func() {
		defer close(c.done)

		c.sem <- struct{}{}
		defer func() { <-c.sem }()

		runErr := runner.Run()

		c.mu.Lock()
		c.err = runErr
		c.state = StateStopped
		c.mu.Unlock()
	}()

	return nil
}

// Stop sets the cooperative cancellation flag. Safe to call at any time,
// including before Run's goroutine has acquired the semaphore. Never
// raises.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel.Cancel()
	}
}

// Wait blocks until the session's worker has finished and re-raises
// whatever error it captured, or nil on a clean stop/completion.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsAlive reports whether a session is currently running on this
// coordinator.
func (c *Coordinator) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

// Snapshot returns the current session state for status queries.
func (c *Coordinator) Snapshot() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionState{State: c.state, Params: c.params, Err: c.err}
}
