package lease

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

// RequeueFunc receives the task ids freed by a voided lease so the owner can
// put them back on the queue.
type RequeueFunc func(taskID id.TaskID)

// GrantFunc is invoked when a backlogged task is finally granted a lease.
type GrantFunc func(l *TaskLease, t *task.Task)

// Coordinator grants, tracks, and sweeps task leases across registered
// worker nodes. One mutex guards the scheduling decisions; persistence goes
// through the Store inside the critical section so the stored view never
// races the in-memory one.
type Coordinator struct {
	store  Store
	logger *slog.Logger

	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	requeue           RequeueFunc
	onGrant           GrantFunc

	mu      sync.Mutex
	seq     uint64
	backlog []*backlogEntry
}

type backlogEntry struct {
	task     *task.Task
	required []string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLeaseDuration sets how long a granted lease stays valid.
func WithLeaseDuration(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.leaseDuration = d }
}

// WithHeartbeatInterval sets the reporting cadence stamped on granted
// leases.
func WithHeartbeatInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.heartbeatInterval = d }
}

// WithHeartbeatTimeout sets how long a silent worker stays schedulable.
func WithHeartbeatTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.heartbeatTimeout = d }
}

// WithRequeue registers the callback invoked with the task id of every
// voided lease.
func WithRequeue(fn RequeueFunc) CoordinatorOption {
	return func(c *Coordinator) { c.requeue = fn }
}

// WithGrantCallback registers the callback invoked when a backlogged task is
// granted a lease after capacity frees up.
func WithGrantCallback(fn GrantFunc) CoordinatorOption {
	return func(c *Coordinator) { c.onGrant = fn }
}

// NewCoordinator creates a Coordinator persisting through store.
func NewCoordinator(store Store, logger *slog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, sched.ErrNoStore
	}
	cfg := sched.DefaultConfig()
	c := &Coordinator{
		store:             store,
		logger:            logger,
		leaseDuration:     cfg.LeaseDuration,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterWorker adds a node to the registry in the idle state and returns
// its id. Registration order is remembered as the scheduling tie-break.
// Registering new capacity also drains the backlog.
func (c *Coordinator) RegisterWorker(ctx context.Context, host string, port int, capabilities []string, maxConcurrent int) (id.WorkerID, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	n := &WorkerNode{
		ID:            id.NewWorkerID(),
		Host:          host,
		Port:          port,
		Capabilities:  capabilities,
		MaxConcurrent: maxConcurrent,
		State:         NodeIdle,
		Seq:           c.seq,
		LastSeen:      time.Now(),
		RegisteredAt:  time.Now(),
	}
	if err := c.store.SaveWorker(ctx, n); err != nil {
		return id.Nil, fmt.Errorf("register worker: %w", err)
	}

	c.logger.Info("worker registered",
		slog.String("worker_id", n.ID.String()),
		slog.String("host", host),
		slog.Int("max_concurrent", maxConcurrent),
	)

	c.drainBacklogLocked(ctx)
	return n.ID, nil
}

// Heartbeat refreshes a worker's last-seen timestamp. An offline worker
// cannot heartbeat back to life; it has to re-register.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID id.WorkerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if n.State == NodeOffline {
		return fmt.Errorf("%w: worker %s is offline", sched.ErrInvalidState, workerID)
	}

	n.LastSeen = time.Now()
	return c.store.SaveWorker(ctx, n)
}

// Schedule grants a lease for t on the least-loaded eligible worker, ties
// broken by registration order. Eligible means: advertises every required
// capability, below its declared concurrency, and not busy or offline. When
// no worker is eligible the task joins a backlog instead of failing; it is
// granted later through the WithGrantCallback hook. The second return value
// reports whether the task was backlogged.
func (c *Coordinator) Schedule(ctx context.Context, t *task.Task, required []string) (id.LeaseID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNoActiveLeaseLocked(ctx, t.ID); err != nil {
		return id.Nil, false, err
	}

	n, err := c.pickWorkerLocked(ctx, required)
	if err != nil {
		return id.Nil, false, err
	}
	if n == nil {
		c.backlog = append(c.backlog, &backlogEntry{task: t, required: required})
		c.logger.Debug("no eligible worker, task backlogged",
			slog.String("task_id", t.ID.String()),
		)
		return id.Nil, true, nil
	}

	l, err := c.grantLocked(ctx, n, t)
	if err != nil {
		return id.Nil, false, err
	}
	return l.ID, false, nil
}

// MarkExecuting records that the worker started the leased task. Fails on a
// lease that is not in the leased state or is already past its expiry.
func (c *Coordinator) MarkExecuting(ctx context.Context, leaseID id.LeaseID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if l.State != StateLeased {
		return fmt.Errorf("%w: lease %s is %s", sched.ErrInvalidState, leaseID, l.State)
	}
	if !l.active(time.Now()) {
		return c.voidLocked(ctx, l)
	}

	l.State = StateExecuting
	return c.store.SaveLease(ctx, l)
}

// Complete marks the lease completed with the worker's result and frees the
// worker slot. A lease that already expired is voided instead; its task has
// been (or will be) handed to someone else, so the late result is dropped.
func (c *Coordinator) Complete(ctx context.Context, leaseID id.LeaseID, result []byte) error {
	return c.finish(ctx, leaseID, StateCompleted, result, "")
}

// Fail marks the lease failed and frees the worker slot. Retry policy is the
// queue's concern; the coordinator only voids the grant.
func (c *Coordinator) Fail(ctx context.Context, leaseID id.LeaseID, reason string) error {
	return c.finish(ctx, leaseID, StateFailed, nil, reason)
}

// SweepExpiredLeases voids every lease past its expiry regardless of worker
// health and returns the freed task ids. Slots held by expired leases are
// released so a stalled worker's capacity is bounded by the lease duration.
func (c *Coordinator) SweepExpiredLeases(ctx context.Context) ([]id.TaskID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var freed []id.TaskID
	for _, l := range leases {
		if l.State != StateLeased && l.State != StateExecuting {
			continue
		}
		if now.Before(l.ExpiresAt) {
			continue
		}
		if err := c.voidLocked(ctx, l); err != nil {
			return freed, err
		}
		freed = append(freed, l.TaskID)
	}

	if len(freed) > 0 {
		c.logger.Info("expired leases swept", slog.Int("count", len(freed)))
		c.drainBacklogLocked(ctx)
	}
	return freed, nil
}

// SweepDeadWorkers flips every worker silent past the heartbeat timeout to
// offline and voids its open leases. Returns the freed task ids.
func (c *Coordinator) SweepDeadWorkers(ctx context.Context) ([]id.TaskID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-c.heartbeatTimeout)
	var freed []id.TaskID
	for _, n := range workers {
		if n.State == NodeOffline || n.LastSeen.After(cutoff) {
			continue
		}

		n.State = NodeOffline
		n.ActiveLeases = 0
		if err := c.store.SaveWorker(ctx, n); err != nil {
			return freed, err
		}
		c.logger.Warn("worker missed heartbeat window, marked offline",
			slog.String("worker_id", n.ID.String()),
			slog.Time("last_seen", n.LastSeen),
		)

		ids, err := c.voidWorkerLeasesLocked(ctx, n.ID)
		if err != nil {
			return freed, err
		}
		freed = append(freed, ids...)
	}

	if len(freed) > 0 {
		c.drainBacklogLocked(ctx)
	}
	return freed, nil
}

// Lease returns the lease by id.
func (c *Coordinator) Lease(ctx context.Context, leaseID id.LeaseID) (*TaskLease, error) {
	return c.store.GetLease(ctx, leaseID)
}

// Worker returns the worker node by id.
func (c *Coordinator) Worker(ctx context.Context, workerID id.WorkerID) (*WorkerNode, error) {
	return c.store.GetWorker(ctx, workerID)
}

// BacklogSize returns how many tasks are waiting for an eligible worker.
func (c *Coordinator) BacklogSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// ── internal ────────────────────────────────────────────────────────────────

func (c *Coordinator) finish(ctx context.Context, leaseID id.LeaseID, state LeaseState, result []byte, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if l.State != StateLeased && l.State != StateExecuting {
		return fmt.Errorf("%w: lease %s is %s", sched.ErrInvalidState, leaseID, l.State)
	}
	if !l.active(time.Now()) {
		if err := c.voidLocked(ctx, l); err != nil {
			return err
		}
		return fmt.Errorf("%w: lease %s expired before completion", sched.ErrInvalidState, leaseID)
	}

	l.State = state
	l.Result = result
	l.Error = reason
	if err := c.store.SaveLease(ctx, l); err != nil {
		return err
	}
	if err := c.releaseSlotLocked(ctx, l.WorkerID); err != nil {
		return err
	}

	c.drainBacklogLocked(ctx)
	return nil
}

// voidLocked expires a lease and frees its worker slot. The task id becomes
// schedulable again; the requeue hook is told about it.
func (c *Coordinator) voidLocked(ctx context.Context, l *TaskLease) error {
	l.State = StateExpired
	if err := c.store.SaveLease(ctx, l); err != nil {
		return err
	}
	if err := c.releaseSlotLocked(ctx, l.WorkerID); err != nil {
		return err
	}
	if c.requeue != nil {
		c.requeue(l.TaskID)
	}
	return nil
}

func (c *Coordinator) voidWorkerLeasesLocked(ctx context.Context, workerID id.WorkerID) ([]id.TaskID, error) {
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return nil, err
	}

	var freed []id.TaskID
	for _, l := range leases {
		if l.WorkerID.String() != workerID.String() {
			continue
		}
		if l.State != StateLeased && l.State != StateExecuting {
			continue
		}
		l.State = StateExpired
		if err := c.store.SaveLease(ctx, l); err != nil {
			return freed, err
		}
		if c.requeue != nil {
			c.requeue(l.TaskID)
		}
		freed = append(freed, l.TaskID)
	}
	return freed, nil
}

// releaseSlotLocked decrements a worker's lease count and recomputes its
// state. Offline workers keep their terminal state.
func (c *Coordinator) releaseSlotLocked(ctx context.Context, workerID id.WorkerID) error {
	n, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if n.State == NodeOffline {
		return nil
	}

	if n.ActiveLeases > 0 {
		n.ActiveLeases--
	}
	if n.ActiveLeases == 0 {
		n.State = NodeIdle
	} else {
		n.State = NodeActive
	}
	return c.store.SaveWorker(ctx, n)
}

// pickWorkerLocked returns the least-loaded eligible worker, ties broken by
// registration order, or nil when no worker qualifies.
func (c *Coordinator) pickWorkerLocked(ctx context.Context, required []string) (*WorkerNode, error) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var best *WorkerNode
	for _, n := range workers {
		if !n.eligible(required) {
			continue
		}
		if best == nil ||
			n.ActiveLeases < best.ActiveLeases ||
			(n.ActiveLeases == best.ActiveLeases && n.Seq < best.Seq) {
			best = n
		}
	}
	return best, nil
}

func (c *Coordinator) grantLocked(ctx context.Context, n *WorkerNode, t *task.Task) (*TaskLease, error) {
	now := time.Now()
	l := &TaskLease{
		ID:                id.NewLeaseID(),
		TaskID:            t.ID,
		WorkerID:          n.ID,
		TenantID:          t.TenantID,
		State:             StateLeased,
		GrantedAt:         now,
		ExpiresAt:         now.Add(c.leaseDuration),
		HeartbeatInterval: c.heartbeatInterval,
	}
	if err := c.store.SaveLease(ctx, l); err != nil {
		return nil, err
	}

	n.ActiveLeases++
	if n.ActiveLeases >= n.MaxConcurrent {
		n.State = NodeBusy
	} else {
		n.State = NodeActive
	}
	if err := c.store.SaveWorker(ctx, n); err != nil {
		return nil, err
	}

	c.logger.Debug("lease granted",
		slog.String("lease_id", l.ID.String()),
		slog.String("task_id", t.ID.String()),
		slog.String("worker_id", n.ID.String()),
	)
	return l, nil
}

func (c *Coordinator) checkNoActiveLeaseLocked(ctx context.Context, taskID id.TaskID) error {
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, l := range leases {
		if l.TaskID.String() == taskID.String() && l.active(now) {
			return fmt.Errorf("%w: task %s already leased to %s",
				sched.ErrLeaseAlreadyActive, taskID, l.WorkerID)
		}
	}
	return nil
}

// drainBacklogLocked retries backlogged tasks in arrival order and grants
// leases to any that now fit. Grants are reported through the grant hook.
func (c *Coordinator) drainBacklogLocked(ctx context.Context) {
	remaining := c.backlog[:0]
	for _, e := range c.backlog {
		n, err := c.pickWorkerLocked(ctx, e.required)
		if err != nil || n == nil {
			remaining = append(remaining, e)
			continue
		}
		l, err := c.grantLocked(ctx, n, e.task)
		if err != nil {
			remaining = append(remaining, e)
			continue
		}
		if c.onGrant != nil {
			c.onGrant(l, e.task)
		}
	}
	c.backlog = remaining
}
