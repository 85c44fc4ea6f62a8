// Package executor provides the in-process execution pool: bounded
// concurrency with per-tenant and per-agent ceilings, dependency resolution,
// and soft backpressure ahead of the hard slot limit. Submissions return
// immediately; each task runs in its own goroutine once admitted.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// Func is the unit of work submitted to the pool.
type Func func(ctx context.Context) ([]byte, error)

// Spec describes one submission. Dependencies are executor task ids that
// must complete before this task may run.
type Spec struct {
	Kind     string
	TenantID string
	Agent    string
	Priority int
	RunID    id.RunID
	Fn       Func
}

// taskState tracks one submission through admission and execution.
type taskState string

const (
	statePending   taskState = "pending"
	stateRunning   taskState = "running"
	stateCompleted taskState = "completed"
	stateFailed    taskState = "failed"
	stateCancelled taskState = "cancelled"
)

type entry struct {
	spec   Spec
	state  taskState
	result task.Result
	// done is closed when the entry reaches a terminal state, waking
	// dependency waiters without polling.
	done chan struct{}
	// cancelled requests pre-admission cancellation; it is not observed
	// once a slot has been acquired.
	cancelled bool
}

// Executor is the bounded execution pool.
type Executor struct {
	max        int
	threshold  float64
	depTimeout time.Duration
	logger     *slog.Logger
	metrics    *instruments

	mu sync.Mutex
	// change is closed and replaced whenever admission state moves, as a
	// broadcast to every waiter (slot waiters, backpressure waiters,
	// WaitAll).
	change chan struct{}

	entries map[string]*entry
	pending int
	running int
	peak    int

	tenantActive  map[string]int
	agentActive   map[string]int
	tenantCeiling map[string]int
	agentCeiling  map[string]int

	backpressureEvents uint64
	submitted          uint64
	completed          uint64
	failed             uint64
	cancelled          uint64
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithMaxConcurrency bounds simultaneous executions.
func WithMaxConcurrency(n int) ExecOption {
	return func(e *Executor) { e.max = n }
}

// WithBackpressureThreshold sets the running/max ratio above which new
// admissions wait even when free slots remain.
func WithBackpressureThreshold(f float64) ExecOption {
	return func(e *Executor) { e.threshold = f }
}

// WithDependencyTimeout bounds how long a task waits for its dependencies.
func WithDependencyTimeout(d time.Duration) ExecOption {
	return func(e *Executor) { e.depTimeout = d }
}

// WithTenantCeiling caps concurrent tasks for one tenant.
func WithTenantCeiling(tenantID string, n int) ExecOption {
	return func(e *Executor) { e.tenantCeiling[tenantID] = n }
}

// WithAgentCeiling caps concurrent tasks for one agent.
func WithAgentCeiling(agent string, n int) ExecOption {
	return func(e *Executor) { e.agentCeiling[agent] = n }
}

// FromConfig applies the pool tunables from a shared Config. Zero-valued
// fields keep the existing settings.
func FromConfig(cfg sched.Config) ExecOption {
	return func(e *Executor) {
		if cfg.MaxConcurrency > 0 {
			e.max = cfg.MaxConcurrency
		}
		if cfg.BackpressureThreshold > 0 {
			e.threshold = cfg.BackpressureThreshold
		}
		if cfg.DependencyWaitTimeout > 0 {
			e.depTimeout = cfg.DependencyWaitTimeout
		}
	}
}

// New creates an execution pool. Defaults come from sched.DefaultConfig.
func New(logger *slog.Logger, opts ...ExecOption) *Executor {
	cfg := sched.DefaultConfig()
	e := &Executor{
		max:           cfg.MaxConcurrency,
		threshold:     cfg.BackpressureThreshold,
		depTimeout:    cfg.DependencyWaitTimeout,
		logger:        logger,
		metrics:       newInstruments(),
		change:        make(chan struct{}),
		entries:       make(map[string]*entry),
		tenantActive:  make(map[string]int),
		agentActive:   make(map[string]int),
		tenantCeiling: make(map[string]int),
		agentCeiling:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit registers the task and returns its id immediately. Execution
// happens asynchronously once dependencies complete and admission passes.
// ctx bounds the whole admission pipeline: cancelling it before a slot is
// acquired abandons the task.
func (e *Executor) Submit(ctx context.Context, spec Spec, deps []id.TaskID) id.TaskID {
	taskID := id.NewTaskID()

	ent := &entry{
		spec:  spec,
		state: statePending,
		done:  make(chan struct{}),
	}

	e.mu.Lock()
	e.entries[taskID.String()] = ent
	e.pending++
	e.submitted++
	e.mu.Unlock()

	go e.lifecycle(ctx, taskID, ent, deps)
	return taskID
}

// Cancel requests cancellation of a pending task. Once a slot is acquired
// the task runs to completion and Cancel returns false.
func (e *Executor) Cancel(taskID id.TaskID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[taskID.String()]
	if !ok || ent.state != statePending {
		return false
	}
	ent.cancelled = true
	e.broadcastLocked()
	return true
}

// Result returns the recorded result for a finished task.
func (e *Executor) Result(taskID id.TaskID) (task.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[taskID.String()]
	if !ok || (ent.state != stateCompleted && ent.state != stateFailed && ent.state != stateCancelled) {
		return task.Result{}, false
	}
	return ent.result, true
}

// WaitAll blocks until every submitted task has left pending and running,
// returning each task's result, or fails with ErrWaitTimeout.
func (e *Executor) WaitAll(timeout time.Duration) (map[string]task.Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if e.pending == 0 && e.running == 0 {
			results := make(map[string]task.Result, len(e.entries))
			for key, ent := range e.entries {
				results[key] = ent.result
			}
			e.mu.Unlock()
			return results, nil
		}
		ch := e.change
		e.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return nil, sched.ErrWaitTimeout
		}
	}
}

// lifecycle drives one task: dependency wait, backpressure wait, slot and
// ceiling acquisition, execution, release.
func (e *Executor) lifecycle(ctx context.Context, taskID id.TaskID, ent *entry, deps []id.TaskID) {
	if err := e.awaitDependencies(ctx, deps); err != nil {
		e.finishWithoutRunning(taskID, ent, stateFailed, err)
		return
	}

	if err := e.admit(ctx, ent); err != nil {
		state := stateFailed
		if err == errCancelled {
			state = stateCancelled
			err = sched.ErrTaskCancelled
		}
		e.finishWithoutRunning(taskID, ent, state, err)
		return
	}

	e.run(ctx, taskID, ent)
}

var errCancelled = fmt.Errorf("cancelled")

// awaitDependencies blocks until every dependency completes. A dependency
// that fails, is cancelled, or does not finish within the dependency timeout
// terminates this task with a timeout failure; nothing retries here.
func (e *Executor) awaitDependencies(ctx context.Context, deps []id.TaskID) error {
	if len(deps) == 0 {
		return nil
	}

	deadline := time.NewTimer(e.depTimeout)
	defer deadline.Stop()

	for _, dep := range deps {
		key := dep.String()

		e.mu.Lock()
		depEnt, ok := e.entries[key]
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: unknown dependency %s", sched.ErrTaskNotFound, key)
		}

		select {
		case <-depEnt.done:
		case <-deadline.C:
			return fmt.Errorf("%w: dependency %s", sched.ErrDependencyTimeout, key)
		case <-ctx.Done():
			return ctx.Err()
		}

		e.mu.Lock()
		failed := depEnt.state != stateCompleted
		e.mu.Unlock()
		if failed {
			return fmt.Errorf("dependency %s did not complete successfully", key)
		}
	}
	return nil
}

// softPause is how long an admission crossing the soft threshold yields
// before contending for one of the remaining hard slots.
const softPause = 10 * time.Millisecond

// admit waits out backpressure, then acquires a global slot plus tenant and
// agent headroom in one critical section. Crossing the soft threshold delays
// each admission once; only e.max caps concurrency. Cancellation is honored
// only here, before the slot is taken.
func (e *Executor) admit(ctx context.Context, ent *entry) error {
	softLimit := int(float64(e.max) * e.threshold)
	if softLimit < 1 {
		softLimit = 1
	}

	throttled := false
	for {
		e.mu.Lock()
		if ent.cancelled {
			e.mu.Unlock()
			return errCancelled
		}
		soft := false
		switch {
		case e.running >= e.max:
		case !throttled && e.running >= softLimit:
			// Soft backpressure: free slots remain, but the pool is
			// loaded past the threshold. Yield once, then contend.
			soft = true
			throttled = true
			e.backpressureEvents++
			e.metrics.addBackpressureWait(ctx)
		case ent.spec.TenantID != "" && e.ceilingReached(e.tenantActive, e.tenantCeiling, ent.spec.TenantID):
		case ent.spec.Agent != "" && e.ceilingReached(e.agentActive, e.agentCeiling, ent.spec.Agent):
		default:
			// Admitted: take the slot and bump every counter together.
			e.pending--
			e.running++
			if e.running > e.peak {
				e.peak = e.running
			}
			if ent.spec.TenantID != "" {
				e.tenantActive[ent.spec.TenantID]++
			}
			if ent.spec.Agent != "" {
				e.agentActive[ent.spec.Agent]++
			}
			ent.state = stateRunning
			e.broadcastLocked()
			e.mu.Unlock()
			return nil
		}

		ch := e.change
		e.mu.Unlock()

		if soft {
			pause := time.NewTimer(softPause)
			select {
			case <-ch:
			case <-pause.C:
			case <-ctx.Done():
				pause.Stop()
				return ctx.Err()
			}
			pause.Stop()
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Executor) ceilingReached(active, ceiling map[string]int, key string) bool {
	limit, ok := ceiling[key]
	if !ok || limit <= 0 {
		return false
	}
	return active[key] >= limit
}

// run executes the task function and releases everything on every exit path.
func (e *Executor) run(ctx context.Context, taskID id.TaskID, ent *entry) {
	start := time.Now()

	var (
		output []byte
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		output, err = ent.spec.Fn(ctx)
	}()

	elapsed := time.Since(start)

	e.mu.Lock()
	e.running--
	if ent.spec.TenantID != "" {
		e.tenantActive[ent.spec.TenantID]--
	}
	if ent.spec.Agent != "" {
		e.agentActive[ent.spec.Agent]--
	}

	ent.result = task.Result{TaskID: taskID, Output: output, Duration: elapsed}
	if err != nil {
		ent.result.Err = err.Error()
		ent.state = stateFailed
		e.failed++
	} else {
		ent.state = stateCompleted
		e.completed++
	}
	close(ent.done)
	e.broadcastLocked()
	e.mu.Unlock()

	e.metrics.recordExecution(ctx, ent.spec.Kind, ent.spec.Agent, elapsed, err == nil)

	if err != nil {
		e.logger.Warn("task failed",
			slog.String("task_id", taskID.String()),
			slog.String("kind", ent.spec.Kind),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	}
}

// finishWithoutRunning terminates a task that never acquired a slot.
func (e *Executor) finishWithoutRunning(taskID id.TaskID, ent *entry, state taskState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending--
	ent.state = state
	ent.result = task.Result{TaskID: taskID, Err: err.Error()}
	switch state {
	case stateCancelled:
		e.cancelled++
	default:
		e.failed++
	}
	close(ent.done)
	e.broadcastLocked()

	e.logger.Info("task terminated before execution",
		slog.String("task_id", taskID.String()),
		slog.String("state", string(state)),
		slog.String("reason", err.Error()),
	)
}

// broadcastLocked wakes every waiter. Caller holds e.mu.
func (e *Executor) broadcastLocked() {
	close(e.change)
	e.change = make(chan struct{})
}
