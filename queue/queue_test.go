package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/event"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/store/memory"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

func setupQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	q := queue.New(memory.New(), slog.Default(), opts...)
	t.Cleanup(q.Close)
	return q
}

func newTask(priority int) *task.Task {
	return task.New(id.NewRunID(), "noop", nil, priority)
}

func mustEnqueue(t *testing.T, q *queue.Queue, tasks ...*task.Task) {
	t.Helper()
	for _, tk := range tasks {
		if err := q.Enqueue(context.Background(), tk); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}
}

func mustDequeue(t *testing.T, q *queue.Queue) *task.Task {
	t.Helper()
	got, err := q.Dequeue(context.Background(), id.NewWorkerID(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue error: %v", err)
	}
	if got == nil {
		t.Fatal("dequeue returned empty, want a task")
	}
	return got
}

func TestPriorityOrdering(t *testing.T) {
	q := setupQueue(t)

	// Priorities [1,5,1,9,5] must dequeue as original indexes [0,2,1,4,3].
	priorities := []int{1, 5, 1, 9, 5}
	tasks := make([]*task.Task, len(priorities))
	for i, p := range priorities {
		tasks[i] = newTask(p)
		mustEnqueue(t, q, tasks[i])
	}

	wantOrder := []int{0, 2, 1, 4, 3}
	for n, wantIdx := range wantOrder {
		got := mustDequeue(t, q)
		if got.ID.String() != tasks[wantIdx].ID.String() {
			t.Fatalf("dequeue %d: got task index %v, want %d", n, got.ID, wantIdx)
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := setupQueue(t)

	first := newTask(5)
	second := newTask(5)
	mustEnqueue(t, q, first, second)

	if got := mustDequeue(t, q); got.ID.String() != first.ID.String() {
		t.Fatalf("expected FIFO order within a tier, got %s first", got.ID)
	}
}

func TestDequeueTimeoutOnEmpty(t *testing.T) {
	q := setupQueue(t)

	start := time.Now()
	got, err := q.Dequeue(context.Background(), id.NewWorkerID(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue error: %v", err)
	}
	if got != nil {
		t.Fatalf("dequeue on empty queue returned %v", got.ID)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("dequeue returned after %v, want it to block for the timeout", elapsed)
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := setupQueue(t)

	done := make(chan *task.Task, 1)
	go func() {
		got, _ := q.Dequeue(context.Background(), id.NewWorkerID(), 5*time.Second)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	want := newTask(3)
	mustEnqueue(t, q, want)

	select {
	case got := <-done:
		if got == nil || got.ID.String() != want.ID.String() {
			t.Fatalf("blocked dequeue returned %v, want %s", got, want.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dequeue was not woken by enqueue")
	}
}

func TestAckCompletesTask(t *testing.T) {
	q := setupQueue(t)
	tk := newTask(1)
	mustEnqueue(t, q, tk)

	got := mustDequeue(t, q)
	if got.State != task.StateInProgress {
		t.Fatalf("state after dequeue = %q, want in_progress", got.State)
	}
	if got.StartedAt == nil {
		t.Fatal("dequeue did not record a start time")
	}

	if err := q.Ack(context.Background(), tk.ID, &task.Result{TaskID: tk.ID}); err != nil {
		t.Fatalf("ack error: %v", err)
	}

	st, err := q.TaskStatus(tk.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if st.State != task.StateCompleted {
		t.Fatalf("state = %q, want completed", st.State)
	}
}

func TestNackDemotesAndRequeues(t *testing.T) {
	q := setupQueue(t)
	tk := newTask(3)
	tk.MaxRetries = 2
	mustEnqueue(t, q, tk)

	mustDequeue(t, q)
	if err := q.Nack(context.Background(), tk.ID, errors.New("agent timeout"), true); err != nil {
		t.Fatalf("nack error: %v", err)
	}

	st, err := q.TaskStatus(tk.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if st.State != task.StatePending {
		t.Fatalf("state = %q, want pending after retryable nack", st.State)
	}
	if st.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", st.RetryCount)
	}
	if st.Priority != 4 {
		t.Fatalf("priority = %d, want demotion from 3 to 4", st.Priority)
	}
	if st.LastError != "agent timeout" {
		t.Fatalf("last error = %q, want the attempt's error", st.LastError)
	}
}

func TestDemotionCapsAtLowestTier(t *testing.T) {
	q := setupQueue(t)
	tk := newTask(9)
	tk.MaxRetries = 2
	mustEnqueue(t, q, tk)

	mustDequeue(t, q)
	if err := q.Nack(context.Background(), tk.ID, errors.New("boom"), true); err != nil {
		t.Fatalf("nack error: %v", err)
	}

	st, _ := q.TaskStatus(tk.ID)
	if st.Priority != task.LowestPriority {
		t.Fatalf("priority = %d, want capped at %d", st.Priority, task.LowestPriority)
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	q := setupQueue(t)
	tk := newTask(5)
	tk.MaxRetries = 2
	mustEnqueue(t, q, tk)

	// max_retries=2 means 3 total failures: two retryable, the third terminal.
	for attempt := range 3 {
		got := mustDequeue(t, q)
		if got.ID.String() != tk.ID.String() {
			t.Fatalf("attempt %d dequeued wrong task", attempt)
		}
		if err := q.Nack(context.Background(), tk.ID, errors.New("fail"), true); err != nil {
			t.Fatalf("nack %d error: %v", attempt, err)
		}
	}

	st, err := q.TaskStatus(tk.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if st.State != task.StateDeadLettered {
		t.Fatalf("state = %q, want dead_lettered", st.State)
	}
	if st.RetryCount != 2 {
		t.Fatalf("retry count = %d, want exactly max_retries", st.RetryCount)
	}
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(q.DeadLetters()))
	}
}

func TestNackWithoutRetryDeadLettersImmediately(t *testing.T) {
	q := setupQueue(t)
	tk := newTask(5)
	tk.MaxRetries = 5
	mustEnqueue(t, q, tk)

	mustDequeue(t, q)
	if err := q.Nack(context.Background(), tk.ID, errors.New("malformed payload"), false); err != nil {
		t.Fatalf("nack error: %v", err)
	}

	st, _ := q.TaskStatus(tk.ID)
	if st.State != task.StateDeadLettered {
		t.Fatalf("state = %q, want dead_lettered for structural failure", st.State)
	}
}

func TestCapacityRejectsEnqueue(t *testing.T) {
	q := setupQueue(t, queue.WithCapacity(1))
	mustEnqueue(t, q, newTask(1))

	err := q.Enqueue(context.Background(), newTask(1))
	if !errors.Is(err, sched.ErrAdmissionRejected) {
		t.Fatalf("error = %v, want ErrAdmissionRejected", err)
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := queue.New(memory.New(), slog.Default())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), id.NewWorkerID(), 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, sched.ErrQueueClosed) {
			t.Fatalf("error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock dequeue")
	}
}

func TestSnapshotRestore(t *testing.T) {
	store := memory.New()
	q := queue.New(store, slog.Default())

	queued := newTask(2)
	held := newTask(1)
	mustEnqueue(t, q, queued, held)

	// Dequeue one so the snapshot has an in-progress entry.
	got := mustDequeue(t, q)
	if got.ID.String() != held.ID.String() {
		t.Fatalf("expected the priority-1 task first, got %s", got.ID)
	}
	q.Close()

	// A fresh queue over the same store resumes both tasks as pending:
	// the in-progress holder died with the process.
	restored := queue.New(store, slog.Default())
	t.Cleanup(restored.Close)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if restored.Size() != 2 {
		t.Fatalf("restored size = %d, want 2", restored.Size())
	}

	first := mustDequeue(t, restored)
	if first.ID.String() != held.ID.String() {
		t.Fatalf("restored dequeue order wrong: got %s, want the tier-1 task", first.ID)
	}
}

// flakySnapshotStore wraps a real store and fails saves on demand.
type flakySnapshotStore struct {
	queue.SnapshotStore
	fail bool
}

func (s *flakySnapshotStore) SaveSnapshot(ctx context.Context, snap *queue.Snapshot) error {
	if s.fail {
		return errors.New("store down")
	}
	return s.SnapshotStore.SaveSnapshot(ctx, snap)
}

func TestDequeuePersistFailureRequeuesTask(t *testing.T) {
	store := &flakySnapshotStore{SnapshotStore: memory.New()}
	q := queue.New(store, slog.Default())
	t.Cleanup(q.Close)

	first := newTask(5)
	second := newTask(5)
	mustEnqueue(t, q, first, second)

	store.fail = true
	if _, err := q.Dequeue(context.Background(), id.NewWorkerID(), 100*time.Millisecond); err == nil {
		t.Fatal("dequeue did not surface the persist error")
	}

	// The failed dequeue must not strand the task: both remain pending.
	if q.Size() != 2 {
		t.Fatalf("pending size = %d, want 2", q.Size())
	}
	if q.InProgressCount() != 0 {
		t.Fatalf("in-progress count = %d, want 0", q.InProgressCount())
	}
	st, err := q.TaskStatus(first.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if st.State != task.StatePending {
		t.Fatalf("state = %q, want pending after rolled-back dequeue", st.State)
	}

	// Once the store recovers, the same task comes off the head of its tier.
	store.fail = false
	got := mustDequeue(t, q)
	if got.ID.String() != first.ID.String() {
		t.Fatalf("recovered dequeue got %s, want the original head %s", got.ID, first.ID)
	}
	if next := mustDequeue(t, q); next.ID.String() != second.ID.String() {
		t.Fatalf("second dequeue got %s, want %s", next.ID, second.ID)
	}
}

func TestStatusOfUnknownTask(t *testing.T) {
	q := setupQueue(t)
	if _, err := q.TaskStatus(id.NewTaskID()); !errors.Is(err, sched.ErrTaskNotFound) {
		t.Fatalf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	q := setupQueue(t, queue.WithEvents(bus))
	sub := bus.Subscribe()

	next := func() event.Event {
		t.Helper()
		select {
		case evt := <-sub.C():
			return evt
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle event")
		}
		return event.Event{}
	}

	tk := newTask(5)
	tk.MaxRetries = 1
	mustEnqueue(t, q, tk)
	got := mustDequeue(t, q)
	if err := q.Nack(context.Background(), got.ID, errors.New("flaky"), true); err != nil {
		t.Fatalf("nack error: %v", err)
	}
	got = mustDequeue(t, q)
	if err := q.Ack(context.Background(), got.ID, &task.Result{TaskID: got.ID}); err != nil {
		t.Fatalf("ack error: %v", err)
	}

	want := []event.Type{
		event.TypeEnqueued,
		event.TypeStarted,
		event.TypeRetried,
		event.TypeStarted,
		event.TypeCompleted,
	}
	for i, wantType := range want {
		evt := next()
		if evt.Type != wantType {
			t.Fatalf("event %d: got %s, want %s", i, evt.Type, wantType)
		}
		if evt.TaskID.String() != tk.ID.String() {
			t.Fatalf("event %d names task %s, want %s", i, evt.TaskID, tk.ID)
		}
	}

	// A terminal failure publishes a dead-letter event carrying the error.
	doomed := newTask(5)
	mustEnqueue(t, q, doomed)
	got = mustDequeue(t, q)
	if err := q.Nack(context.Background(), got.ID, errors.New("broken"), true); err != nil {
		t.Fatalf("nack error: %v", err)
	}

	for _, wantType := range []event.Type{event.TypeEnqueued, event.TypeStarted} {
		if evt := next(); evt.Type != wantType {
			t.Fatalf("got %s, want %s", evt.Type, wantType)
		}
	}
	evt := next()
	if evt.Type != event.TypeDeadLettered {
		t.Fatalf("got %s, want %s", evt.Type, event.TypeDeadLettered)
	}
	if evt.Error != "broken" {
		t.Fatalf("dead-letter event error = %q, want %q", evt.Error, "broken")
	}
}
