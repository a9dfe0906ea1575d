// Package autoscale runs user tasks in parallel and adjusts how many
// may run at once based on a sysstatus.Status reading, the way the
// newscrawler DomainLimiter throttles per-host access with
// golang.org/x/time/rate, generalized from "politeness delay" to
// "global concurrency budget".
package autoscale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is the pool's lifecycle state, per §4.3's state machine:
// CREATED -> RUNNING -> (PAUSED <-> RUNNING) -> STOPPING -> STOPPED,
// with ABORTED terminal from any state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// StatusSource is the subset of sysstatus.Status the pool depends on,
// kept as an interface so tests can stub overload conditions.
type StatusSource interface {
	IsOkNow() bool
	IsOkHistorically() bool
}

// Config holds the scaling-algorithm and task-loop parameters named
// in §4.3, all with the spec's defaults.
type Config struct {
	MinConcurrency          int
	MaxConcurrency          int
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64
	AutoscaleInterval       time.Duration
	MaybeRunInterval        time.Duration
	MaxTasksPerMinute       int
}

// DefaultConfig matches §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinConcurrency:          1,
		MaxConcurrency:          200,
		DesiredConcurrencyRatio: 0.95,
		ScaleUpStepRatio:        0.05,
		ScaleDownStepRatio:      0.05,
		AutoscaleInterval:       10 * time.Second,
		MaybeRunInterval:        500 * time.Millisecond,
		MaxTasksPerMinute:       0,
	}
}

// ErrAborted is returned by Run when the pool was aborted.
var ErrAborted = errors.New("autoscale: pool aborted")

// ErrNotRunning is returned by Pause/Resume/Abort when the pool isn't
// in a state that accepts the operation.
var ErrNotRunning = errors.New("autoscale: pool is not running")

type pauseRequest struct {
	timeout time.Duration
	result  chan error
}

// Pool is the Autoscaled Pool (C3): it drives runTask until
// isFinished reports true or Abort is called, scaling the number of
// concurrently in-flight tasks based on status and an optional
// per-minute rate limit.
type Pool struct {
	cfg         Config
	status      StatusSource
	runTask     func(ctx context.Context) error
	isTaskReady func() bool
	isFinished  func() bool

	limiter *rate.Limiter

	mu      sync.Mutex
	state   State
	desired int
	current int

	pauseReq  chan pauseRequest
	resumeReq chan struct{}
	abortReq  chan struct{}
	taskDone  chan error
}

// New builds a Pool in the CREATED state. runTask is invoked once per
// started task; isTaskReady gates whether a new task may start right
// now (e.g. "is there a pending request"); isFinished gates whether
// Run should return once the pool is idle.
func New(cfg Config, status StatusSource, runTask func(ctx context.Context) error, isTaskReady, isFinished func() bool) *Pool {
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	var limiter *rate.Limiter
	if cfg.MaxTasksPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxTasksPerMinute)/60.0), cfg.MaxTasksPerMinute)
	}
	return &Pool{
		cfg:         cfg,
		status:      status,
		runTask:     runTask,
		isTaskReady: isTaskReady,
		isFinished:  isFinished,
		limiter:     limiter,
		state:       StateCreated,
		desired:     cfg.MinConcurrency,
		pauseReq:    make(chan pauseRequest),
		resumeReq:   make(chan struct{}),
		abortReq:    make(chan struct{}, 1),
		taskDone:    make(chan error, 1),
	}
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Concurrency returns (current, desired) in-flight task counts.
func (p *Pool) Concurrency() (current, desired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.desired
}

// Run drives the task loop until isFinished() is true or Abort is
// called. It blocks the calling goroutine; spawned tasks run on their
// own goroutines. Returns the first fatal task error, ErrAborted on
// Abort, or nil on clean completion.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return fmt.Errorf("autoscale: Run called in state %s", p.state)
	}
	p.state = StateRunning
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	autoscaleTicker := time.NewTicker(p.cfg.AutoscaleInterval)
	defer autoscaleTicker.Stop()
	maybeRunTicker := time.NewTicker(p.cfg.MaybeRunInterval)
	defer maybeRunTicker.Stop()

	var inFlight sync.WaitGroup
	var pendingPause *pauseRequest
	var pauseTimeoutC <-chan time.Time

	resolvePause := func(err error) {
		pendingPause.result <- err
		pendingPause = nil
		pauseTimeoutC = nil
	}

	for {
		select {
		case <-ctx.Done():
			inFlight.Wait()
			p.setState(StateAborted)
			return ctx.Err()

		case <-p.abortReq:
			cancel()
			inFlight.Wait()
			p.setState(StateAborted)
			return ErrAborted

		case req := <-p.pauseReq:
			p.setState(StatePaused)
			if p.currentCount() == 0 {
				req.result <- nil
				continue
			}
			pendingPause = &req
			pauseTimeoutC = time.After(req.timeout)

		case <-p.resumeReq:
			if p.State() == StatePaused {
				p.setState(StateRunning)
			}
			if pendingPause != nil {
				resolvePause(nil)
			}

		case <-pauseTimeoutC:
			resolvePause(fmt.Errorf("autoscale: pause timed out with %d tasks in flight", p.currentCount()))

		case err := <-p.taskDone:
			p.mu.Lock()
			p.current--
			current := p.current
			p.mu.Unlock()
			if err != nil {
				cancel()
				inFlight.Wait()
				p.setState(StateAborted)
				return err
			}
			if pendingPause != nil && current == 0 {
				resolvePause(nil)
			}

		case <-autoscaleTicker.C:
			p.rescale()

		case <-maybeRunTicker.C:
			if p.State() != StateRunning {
				continue
			}
			for p.tryStartTask(ctx, &inFlight) {
			}
			if p.currentCount() == 0 && p.isFinished() {
				p.setState(StateStopping)
				inFlight.Wait()
				p.setState(StateStopped)
				return nil
			}
		}
	}
}

func (p *Pool) currentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// tryStartTask starts one task if there is room and one is ready.
// Returns whether a task was started, so the caller can loop until
// either condition fails.
func (p *Pool) tryStartTask(ctx context.Context, inFlight *sync.WaitGroup) bool {
	p.mu.Lock()
	if p.current >= p.desired {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	if !p.isTaskReady() {
		return false
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return false
	}

	p.mu.Lock()
	p.current++
	p.mu.Unlock()

	inFlight.Add(1)
	go func() {
		defer inFlight.Done()
		err := p.runTask(ctx)
		select {
		case p.taskDone <- err:
		case <-ctx.Done():
		}
	}()
	return true
}

// rescale applies the §4.3 scaling algorithm for one tick.
func (p *Pool) rescale() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ratio := float64(p.current) / float64(p.desired)
	switch {
	case p.status.IsOkHistorically() && ratio >= p.cfg.DesiredConcurrencyRatio:
		step := int(math.Ceil(float64(p.desired) * p.cfg.ScaleUpStepRatio))
		if step < 1 {
			step = 1
		}
		p.desired = min(p.desired+step, p.cfg.MaxConcurrency)
	case !p.status.IsOkNow():
		step := int(math.Ceil(float64(p.desired) * p.cfg.ScaleDownStepRatio))
		if step < 1 {
			step = 1
		}
		p.desired = max(p.desired-step, p.cfg.MinConcurrency)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Pause stops starting new tasks and waits up to timeout for in-flight
// tasks to finish. Returns nil if the pool drained in time, or an
// error describing the timeout (the pool remains PAUSED either way).
func (p *Pool) Pause(timeout time.Duration) error {
	if p.State() != StateRunning {
		return ErrNotRunning
	}
	req := pauseRequest{timeout: timeout, result: make(chan error, 1)}
	p.pauseReq <- req
	return <-req.result
}

// Resume undoes Pause. A no-op if the pool isn't PAUSED.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	p.mu.Unlock()
	p.resumeReq <- struct{}{}
}

// Abort cancels in-flight tasks immediately and terminates Run with
// ErrAborted, without waiting for tasks to observe cancellation.
func (p *Pool) Abort() {
	select {
	case p.abortReq <- struct{}{}:
	default:
	}
}
