// Package queue implements the durable priority task queue: strict priority
// across tiers, FIFO within a tier, retry with demotion, and terminal dead
// letters. Every mutation rewrites a snapshot document through a
// SnapshotStore so a restarted scheduler resumes where it stopped.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/event"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// Publisher receives task lifecycle events. *event.Bus satisfies it.
// Implementations must not block: emit happens inside the queue's critical
// section.
type Publisher interface {
	Publish(evt event.Event)
}

// Queue is the priority task queue. All operations share one critical
// section; statistics readers get a consistent snapshot of the counters.
type Queue struct {
	store  SnapshotStore
	logger *slog.Logger

	capacity   int
	defaultTTL time.Duration
	events     Publisher

	mu          sync.Mutex
	closed      bool
	tiers       [task.LowestPriority + 1][]*task.Task
	pending     int
	inProgress  map[string]*task.Task
	completed   map[string]*task.Result
	deadLetters map[string]*task.Task

	// notify wakes one blocked Dequeue when a task becomes available.
	notify chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the pending backlog. Zero means unbounded; at
// capacity, Enqueue fails rather than blocks.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithDefaultTimeout applies to tasks enqueued without an execution timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(q *Queue) { q.defaultTTL = d }
}

// WithEvents publishes a lifecycle event for every task state transition.
func WithEvents(p Publisher) Option {
	return func(q *Queue) { q.events = p }
}

// New creates a Queue persisting through store. Pass a memory store for
// tests or a file/redis store for durable deployments.
func New(store SnapshotStore, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		logger:      logger,
		defaultTTL:  60 * time.Second,
		inProgress:  make(map[string]*task.Task),
		completed:   make(map[string]*task.Result),
		deadLetters: make(map[string]*task.Task),
		notify:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Restore loads the last snapshot. In-progress tasks from the previous
// process are returned to their original tier: the executing worker is gone,
// so the attempt never happened as far as the queue is concerned.
func (q *Queue) Restore(ctx context.Context) error {
	snap, err := q.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("queue: restore: %w", err)
	}
	if snap == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range snap.Pending {
		t.State = task.StatePending
		q.push(t)
	}
	for _, t := range snap.InProgress {
		t.State = task.StatePending
		t.WorkerID = id.Nil
		t.StartedAt = nil
		q.push(t)
	}
	q.wake()

	q.logger.Info("queue restored from snapshot",
		slog.Int("pending", q.pending),
		slog.Time("snapshot_at", snap.UpdatedAt),
	)
	return nil
}

// Enqueue inserts t into its priority tier and persists the snapshot.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return sched.ErrQueueClosed
	}
	if q.capacity > 0 && q.pending >= q.capacity {
		return fmt.Errorf("%w: queue at capacity %d", sched.ErrAdmissionRejected, q.capacity)
	}

	t.Priority = task.ClampPriority(t.Priority)
	t.State = task.StatePending
	if t.Timeout <= 0 {
		t.Timeout = q.defaultTTL
	}
	now := time.Now().UTC()
	t.ScheduledAt = &now
	t.UpdatedAt = now

	q.push(t)
	q.wake()
	q.emit(event.TypeEnqueued, t)

	return q.persistLocked(ctx)
}

// Dequeue blocks until a task is available or timeout elapses. It returns
// the head of the highest-priority non-empty tier, marks it in progress,
// and records the start time. A nil task with nil error means timeout.
func (q *Queue) Dequeue(ctx context.Context, workerID id.WorkerID, timeout time.Duration) (*task.Task, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, sched.ErrQueueClosed
		}
		if t := q.pop(); t != nil {
			now := time.Now().UTC()
			t.State = task.StateInProgress
			t.WorkerID = workerID
			t.StartedAt = &now
			t.UpdatedAt = now
			q.inProgress[t.ID.String()] = t

			// Chain the wakeup: the notify channel holds at most one
			// token, so a consumer with work left must pass it on.
			if q.pending > 0 {
				q.wake()
			}
			q.emit(event.TypeStarted, t)

			err := q.persistLocked(ctx)
			if err != nil {
				// The caller gets no task, so the move to in-progress
				// must not stand: put it back at the head of its tier.
				delete(q.inProgress, t.ID.String())
				t.State = task.StatePending
				t.WorkerID = id.Nil
				t.StartedAt = nil
				q.pushFront(t)
				q.wake()
				q.mu.Unlock()
				return nil, err
			}
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack marks an in-progress task completed and records its result.
func (q *Queue) Ack(ctx context.Context, taskID id.TaskID, result *task.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := taskID.String()
	t, ok := q.inProgress[key]
	if !ok {
		return fmt.Errorf("%w: ack %s", sched.ErrTaskNotFound, key)
	}
	delete(q.inProgress, key)

	now := time.Now().UTC()
	t.State = task.StateCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	if result == nil {
		result = &task.Result{TaskID: taskID}
	}
	q.completed[key] = result
	q.emit(event.TypeCompleted, t)

	return q.persistLocked(ctx)
}

// Nack reports a failed attempt. With retry requested and budget remaining
// the task is demoted one tier and re-enqueued; otherwise it dead-letters.
// Exceeding the retry budget always dead-letters, never re-queues.
func (q *Queue) Nack(ctx context.Context, taskID id.TaskID, taskErr error, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := taskID.String()
	t, ok := q.inProgress[key]
	if !ok {
		return fmt.Errorf("%w: nack %s", sched.ErrTaskNotFound, key)
	}
	delete(q.inProgress, key)

	now := time.Now().UTC()
	t.UpdatedAt = now
	if taskErr != nil {
		t.LastError = taskErr.Error()
	}
	t.WorkerID = id.Nil
	t.StartedAt = nil

	if retry && !t.RetriesExhausted() {
		t.RetryCount++
		t.Priority = task.ClampPriority(t.Priority + 1)
		t.State = task.StatePending
		q.push(t)
		q.wake()
		q.emit(event.TypeRetried, t)

		q.logger.Info("task re-enqueued for retry",
			slog.String("task_id", key),
			slog.Int("attempt", t.RetryCount),
			slog.Int("max_retries", t.MaxRetries),
			slog.Int("priority", t.Priority),
		)
		return q.persistLocked(ctx)
	}

	t.State = task.StateDeadLettered
	t.CompletedAt = &now
	q.deadLetters[key] = t
	q.emit(event.TypeDeadLettered, t)

	q.logger.Warn("task dead-lettered",
		slog.String("task_id", key),
		slog.Int("retry_count", t.RetryCount),
		slog.String("error", t.LastError),
	)
	return q.persistLocked(ctx)
}

// emit publishes a lifecycle event if a publisher is configured.
func (q *Queue) emit(typ event.Type, t *task.Task) {
	if q.events != nil {
		q.events.Publish(event.FromTask(typ, t))
	}
}

// Size returns the number of pending tasks across all tiers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// InProgressCount returns the number of tasks currently executing.
func (q *Queue) InProgressCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

// TaskStatus reports the current state of a task in any lifecycle phase.
func (q *Queue) TaskStatus(taskID id.TaskID) (*task.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := taskID.String()

	if t, ok := q.inProgress[key]; ok {
		return statusOf(t), nil
	}
	if t, ok := q.deadLetters[key]; ok {
		return statusOf(t), nil
	}
	if r, ok := q.completed[key]; ok {
		return &task.Status{TaskID: taskID, State: task.StateCompleted, LastError: r.Err}, nil
	}
	for tier := task.HighestPriority; tier <= task.LowestPriority; tier++ {
		for _, t := range q.tiers[tier] {
			if t.ID.String() == key {
				return statusOf(t), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", sched.ErrTaskNotFound, key)
}

// DeadLetters returns the dead-lettered tasks for operator inspection.
func (q *Queue) DeadLetters() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*task.Task, 0, len(q.deadLetters))
	for _, t := range q.deadLetters {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// TakeDeadLetter removes a task from the dead letters and returns it, for
// replay tooling. The caller owns the returned task.
func (q *Queue) TakeDeadLetter(taskID id.TaskID) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := taskID.String()
	t, ok := q.deadLetters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sched.ErrTaskNotFound, key)
	}
	delete(q.deadLetters, key)
	return t, nil
}

// PurgeDeadLetters drops dead letters last touched before the given time and
// returns how many were removed.
func (q *Queue) PurgeDeadLetters(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for key, t := range q.deadLetters {
		if t.UpdatedAt.Before(before) {
			delete(q.deadLetters, key)
			removed++
		}
	}
	return removed
}

// Result returns the recorded result of a completed task.
func (q *Queue) Result(taskID id.TaskID) (*task.Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.completed[taskID.String()]
	return r, ok
}

// Close stops the queue. Blocked Dequeue calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

// ──────────────────────────────────────────────────
// internals (callers hold q.mu)
// ──────────────────────────────────────────────────

func (q *Queue) push(t *task.Task) {
	tier := task.ClampPriority(t.Priority)
	q.tiers[tier] = append(q.tiers[tier], t)
	q.pending++
}

// pushFront returns a task to the head of its tier, preserving FIFO order
// for a dequeue that had to be undone.
func (q *Queue) pushFront(t *task.Task) {
	tier := task.ClampPriority(t.Priority)
	q.tiers[tier] = append([]*task.Task{t}, q.tiers[tier]...)
	q.pending++
}

func (q *Queue) pop() *task.Task {
	for tier := task.HighestPriority; tier <= task.LowestPriority; tier++ {
		if len(q.tiers[tier]) == 0 {
			continue
		}
		t := q.tiers[tier][0]
		q.tiers[tier] = q.tiers[tier][1:]
		q.pending--
		return t
	}
	return nil
}

// wake nudges one blocked Dequeue. The channel has capacity 1 so a pending
// wakeup is never lost and repeated wakes never block.
func (q *Queue) wake() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	snap := q.snapshotLocked()
	if err := q.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("queue: persist snapshot: %w", err)
	}
	return nil
}

func statusOf(t *task.Task) *task.Status {
	return &task.Status{
		TaskID:     t.ID,
		State:      t.State,
		Priority:   t.Priority,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		LastError:  t.LastError,
	}
}
