// Package engine wires the scheduling subsystems together: the task
// registry, the priority queue, the worker pool, the admission gate, and
// the lease coordinator, all constructed from one Config.
//
// This package exists to break the import cycle: the root sched package
// defines Entity and Config (imported by task, queue, etc.) and so cannot
// import those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/admission"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/backoff"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/backpressure"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/dlq"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/event"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/lease"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/middleware"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/ratelimit"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/worker"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Store is the composite persistence contract the engine needs. The memory
// and redis backends implement both halves.
type Store interface {
	queue.SnapshotStore
	lease.Store
}

// Engine owns the subsystem lifecycle. Use New to build one and Start/Stop
// to run it.
type Engine struct {
	cfg     sched.Config
	logger  *slog.Logger
	workers int
	mws     []middleware.Middleware
	admitBO backoff.Strategy
	bus     *event.Bus
	metrics admission.MetricsSource

	registry    *task.Registry
	queue       *queue.Queue
	deadLetters *dlq.Service
	pool        *worker.Pool
	gate        *admission.Scheduler
	quota       *ratelimit.TenantQuota
	coordinator *lease.Coordinator
	cron        *cronlib.Cron

	// dispatched tracks tasks handed to remote workers so a voided lease
	// can put the original task back on the queue.
	dispatchMu sync.Mutex
	dispatched map[string]*task.Task

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets a custom logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error { e.logger = l; return nil }
}

// WithSchema registers a payload schema for a task kind. Payloads of that
// kind are validated at submission, not at execution.
func WithSchema(kind, schemaJSON string) Option {
	return func(e *Engine) error { return e.registry.Register(kind, schemaJSON) }
}

// WithStrictKinds makes submission of unregistered kinds an error. Must
// come before WithSchema options.
func WithStrictKinds() Option {
	return func(e *Engine) error {
		e.registry = task.NewRegistry(true)
		return nil
	}
}

// WithQuota sets the tenant/agent rate quota used by the admission gate.
func WithQuota(q *ratelimit.TenantQuota) Option {
	return func(e *Engine) error { e.quota = q; return nil }
}

// WithWorkers sets the worker pool size. Defaults to Config.MaxConcurrency.
func WithWorkers(n int) Option {
	return func(e *Engine) error { e.workers = n; return nil }
}

// WithMiddleware adds middleware to the engine's execution chain. The chain
// runs inside the admission gate, wrapping the handler.
func WithMiddleware(m middleware.Middleware) Option {
	return func(e *Engine) error { e.mws = append(e.mws, m); return nil }
}

// WithAdmissionBackoff sets the delay strategy between admission re-checks.
// Defaults to backoff.Default() (full jitter, 50ms to 1s).
func WithAdmissionBackoff(s backoff.Strategy) Option {
	return func(e *Engine) error { e.admitBO = s; return nil }
}

// WithEventBus publishes every task lifecycle transition to bus. The engine
// closes the bus on Stop.
func WithEventBus(bus *event.Bus) Option {
	return func(e *Engine) error { e.bus = bus; return nil }
}

// WithMetricsSource supplies the load sample feeding the backpressure
// signal, typically CPU, memory, and error-rate gauges from the host.
// Queue depth and capacity are filled in from the engine's own queue when
// the sample leaves them zero.
func WithMetricsSource(src admission.MetricsSource) Option {
	return func(e *Engine) error { e.metrics = src; return nil }
}

// New constructs an engine from cfg. The store carries both the queue
// snapshot and the lease registry; handler executes dequeued tasks.
func New(cfg sched.Config, store Store, handler worker.Handler, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, sched.ErrNoStore
	}

	e := &Engine{
		cfg:        cfg,
		logger:     slog.Default(),
		registry:   task.NewRegistry(false),
		dispatched: make(map[string]*task.Task),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.quota == nil {
		e.quota = ratelimit.NewTenantQuota()
	}
	if e.workers == 0 {
		e.workers = cfg.MaxConcurrency
	}
	if e.admitBO == nil {
		e.admitBO = backoff.Default()
	}

	queueOpts := []queue.Option{queue.WithDefaultTimeout(cfg.DefaultTaskTimeout)}
	if cfg.QueueCapacity > 0 {
		queueOpts = append(queueOpts, queue.WithCapacity(cfg.QueueCapacity))
	}
	if e.bus != nil {
		queueOpts = append(queueOpts, queue.WithEvents(e.bus))
	}
	e.queue = queue.New(store, e.logger, queueOpts...)
	e.deadLetters = dlq.NewService(e.queue, e.logger)
	e.gate = admission.New(
		backpressure.NewSignal(e.logger),
		e.quota,
		e.queueMetrics,
		e.logger,
		admission.WithMaxRunning(cfg.MaxConcurrency),
	)
	e.pool = worker.NewPool(e.workers, e.queue, e.gatedHandler(middleware.Wrap(handler, e.mws...)), e.logger,
		worker.WithPollInterval(cfg.PollInterval),
	)

	coord, err := lease.NewCoordinator(store, e.logger,
		lease.WithLeaseDuration(cfg.LeaseDuration),
		lease.WithHeartbeatInterval(cfg.HeartbeatInterval),
		lease.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		lease.WithRequeue(e.requeueDispatched),
	)
	if err != nil {
		return nil, err
	}
	e.coordinator = coord

	e.cron = cronlib.New(cronlib.WithParser(cronParser))
	if _, err := e.cron.AddFunc(cfg.SweepSchedule, e.sweep); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	return e, nil
}

// Start restores the queue from its snapshot, starts the worker pool, and
// begins the sweep schedule. Safe to call once.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if err := e.queue.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.pool.Start(runCtx); err != nil {
		cancel()
		return err
	}
	e.cron.Start()
	e.started = true

	e.logger.Info("engine started",
		slog.Int("workers", e.workers),
		slog.Int("max_concurrency", e.cfg.MaxConcurrency),
		slog.String("sweep_schedule", e.cfg.SweepSchedule),
	)
	return nil
}

// Stop halts the sweep schedule, closes the queue, and waits for workers to
// drain, bounded by Config.ShutdownTimeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	cronCtx := e.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(e.cfg.ShutdownTimeout):
	}

	e.queue.Close()

	done := make(chan error, 1)
	go func() { done <- e.pool.Stop() }()
	select {
	case err := <-done:
		e.cancel()
		if e.bus != nil {
			e.bus.Close()
		}
		e.logger.Info("engine stopped")
		return err
	case <-time.After(e.cfg.ShutdownTimeout):
		e.cancel()
		if e.bus != nil {
			e.bus.Close()
		}
		return fmt.Errorf("engine stop: workers did not drain within %s", e.cfg.ShutdownTimeout)
	}
}

// Submit validates a task payload against its kind's schema, applies the
// configured defaults, and enqueues it. Malformed payloads and unknown
// kinds (in strict mode) are structural failures and never enter the queue.
func (e *Engine) Submit(ctx context.Context, t *task.Task) error {
	if err := e.registry.Validate(t.Kind, t.Payload); err != nil {
		return err
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = e.cfg.DefaultMaxRetries
	}
	if t.Timeout == 0 {
		t.Timeout = e.cfg.DefaultTaskTimeout
	}
	return e.queue.Enqueue(ctx, t)
}

// Dispatch hands a task to a remote worker through the lease coordinator
// instead of the local pool. The engine remembers the task so a voided
// lease can requeue it locally.
func (e *Engine) Dispatch(ctx context.Context, t *task.Task, requiredCaps []string) (id.LeaseID, bool, error) {
	if err := e.registry.Validate(t.Kind, t.Payload); err != nil {
		return id.Nil, false, err
	}

	e.dispatchMu.Lock()
	e.dispatched[t.ID.String()] = t
	e.dispatchMu.Unlock()

	leaseID, queued, err := e.coordinator.Schedule(ctx, t, requiredCaps)
	if err != nil {
		e.dispatchMu.Lock()
		delete(e.dispatched, t.ID.String())
		e.dispatchMu.Unlock()
	}
	return leaseID, queued, err
}

// CompleteLease reports a remote result and forgets the dispatched task.
func (e *Engine) CompleteLease(ctx context.Context, leaseID id.LeaseID, result []byte) error {
	l, err := e.coordinator.Lease(ctx, leaseID)
	if err != nil {
		return err
	}
	if err := e.coordinator.Complete(ctx, leaseID, result); err != nil {
		return err
	}

	e.dispatchMu.Lock()
	delete(e.dispatched, l.TaskID.String())
	e.dispatchMu.Unlock()
	return nil
}

// Typed subsystem accessors.

func (e *Engine) Queue() *queue.Queue             { return e.queue }
func (e *Engine) Pool() *worker.Pool              { return e.pool }
func (e *Engine) Registry() *task.Registry        { return e.registry }
func (e *Engine) Admission() *admission.Scheduler { return e.gate }
func (e *Engine) Coordinator() *lease.Coordinator { return e.coordinator }
func (e *Engine) Quota() *ratelimit.TenantQuota   { return e.quota }
func (e *Engine) Events() *event.Bus              { return e.bus }
func (e *Engine) DeadLetters() *dlq.Service       { return e.deadLetters }

// ── internal ────────────────────────────────────────────────────────────────

// gatedHandler consults the admission gate before the task runs. A denied
// task waits and re-checks; the wait is bounded only by the task's own
// execution timeout, after which the worker nacks it back into the queue.
func (e *Engine) gatedHandler(h worker.Handler) worker.Handler {
	return func(ctx context.Context, t *task.Task) ([]byte, error) {
		for attempt := 1; ; attempt++ {
			_, err := e.gate.Admit(t)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("admission wait: %w", ctx.Err())
			case <-time.After(e.admitBO.Delay(attempt)):
			}
		}
		defer e.gate.Release(t)
		return h(ctx, t)
	}
}

// queueMetrics feeds the backpressure signal. Host-level inputs come from
// the WithMetricsSource sample; queue depth and capacity are filled in from
// the engine's own queue when the sample leaves them zero.
func (e *Engine) queueMetrics() backpressure.Metrics {
	var m backpressure.Metrics
	if e.metrics != nil {
		m = e.metrics()
	}
	if m.QueueDepth == 0 {
		m.QueueDepth = e.queue.Size()
	}
	if m.QueueCapacity == 0 {
		m.QueueCapacity = e.cfg.QueueCapacity
	}
	return m
}

// requeueDispatched puts the task behind a voided lease back on the local
// queue so it becomes schedulable without manual action.
func (e *Engine) requeueDispatched(taskID id.TaskID) {
	e.dispatchMu.Lock()
	t, ok := e.dispatched[taskID.String()]
	delete(e.dispatched, taskID.String())
	e.dispatchMu.Unlock()
	if !ok {
		return
	}

	t.WorkerID = id.Nil
	t.State = task.StatePending
	if err := e.queue.Enqueue(context.Background(), t); err != nil {
		e.logger.Error("requeue after lease void failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// sweep runs both periodic reclaims: expired leases and dead workers.
func (e *Engine) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	if _, err := e.coordinator.SweepExpiredLeases(ctx); err != nil {
		e.logger.Error("expired lease sweep failed", slog.String("error", err.Error()))
	}
	if _, err := e.coordinator.SweepDeadWorkers(ctx); err != nil {
		e.logger.Error("dead worker sweep failed", slog.String("error", err.Error()))
	}
}
