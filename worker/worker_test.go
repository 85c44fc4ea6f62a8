package worker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/store/memory"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/trace"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/worker"
)

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(memory.New(), slog.Default())
	t.Cleanup(q.Close)
	return q
}

func enqueueTask(t *testing.T, q *queue.Queue, tk *task.Task) {
	t.Helper()
	if err := q.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWorkerAcksSuccessfulTask(t *testing.T) {
	q := setupQueue(t)
	tk := task.New(id.NewRunID(), "noop", []byte(`{}`), 1)
	enqueueTask(t, q, tk)

	var handled atomic.Bool
	w := worker.New(q, func(_ context.Context, got *task.Task) ([]byte, error) {
		if got.ID.String() != tk.ID.String() {
			t.Errorf("handler got task %s, want %s", got.ID, tk.ID)
		}
		handled.Store(true)
		return []byte("done"), nil
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond), worker.WithShutdownOnEmpty())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !handled.Load() {
		t.Fatal("handler never invoked")
	}

	st, err := q.TaskStatus(tk.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if st.State != task.StateCompleted {
		t.Fatalf("state = %q, want completed", st.State)
	}

	stats := w.Stats()
	if stats.Processed != 1 || stats.Succeeded != 1 {
		t.Fatalf("stats = %+v, want 1 processed, 1 succeeded", stats)
	}
}

func TestWorkerNacksFailureWithRetry(t *testing.T) {
	q := setupQueue(t)
	tk := task.New(id.NewRunID(), "flaky", nil, 3)
	tk.MaxRetries = 1
	enqueueTask(t, q, tk)

	var attempts atomic.Int32
	w := worker.New(q, func(_ context.Context, _ *task.Task) ([]byte, error) {
		attempts.Add(1)
		return nil, errors.New("model unavailable")
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond), worker.WithShutdownOnEmpty())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}

	// max_retries=1: original attempt plus one retry, then dead-letter.
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	st, _ := q.TaskStatus(tk.ID)
	if st.State != task.StateDeadLettered {
		t.Fatalf("state = %q, want dead_lettered", st.State)
	}
	if st.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", st.RetryCount)
	}
	if st.LastError == "" {
		t.Fatal("status must carry the most recent attempt's error")
	}
}

func TestWorkerTimesOutSlowTask(t *testing.T) {
	q := setupQueue(t)
	tk := task.New(id.NewRunID(), "slow", nil, 1)
	tk.Timeout = 30 * time.Millisecond
	tk.MaxRetries = 0
	enqueueTask(t, q, tk)

	w := worker.New(q, func(ctx context.Context, _ *task.Task) ([]byte, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond), worker.WithShutdownOnEmpty())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}

	stats := w.Stats()
	if stats.TimedOut != 1 {
		t.Fatalf("stats = %+v, want 1 timed out", stats)
	}
	st, _ := q.TaskStatus(tk.ID)
	if st.State != task.StateDeadLettered {
		t.Fatalf("state = %q, want dead_lettered after timeout with no retries", st.State)
	}
}

func TestWorkerTimesOutHandlerThatIgnoresContext(t *testing.T) {
	q := setupQueue(t)
	tk := task.New(id.NewRunID(), "stubborn", nil, 1)
	tk.Timeout = 20 * time.Millisecond
	tk.MaxRetries = 0
	enqueueTask(t, q, tk)

	// The handler never checks ctx and reports success after the deadline.
	// The attempt must still classify as a timeout, not a completion.
	w := worker.New(q, func(_ context.Context, _ *task.Task) ([]byte, error) {
		time.Sleep(60 * time.Millisecond)
		return []byte("too late"), nil
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond), worker.WithShutdownOnEmpty())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}

	stats := w.Stats()
	if stats.TimedOut != 1 || stats.Succeeded != 0 {
		t.Fatalf("stats = %+v, want 1 timed out, 0 succeeded", stats)
	}
	st, _ := q.TaskStatus(tk.ID)
	if st.State != task.StateDeadLettered {
		t.Fatalf("state = %q, want dead_lettered", st.State)
	}
	if st.LastError == "" {
		t.Fatal("status must carry the timeout error")
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	q := setupQueue(t)
	tk := task.New(id.NewRunID(), "bad", nil, 1)
	tk.MaxRetries = 0
	enqueueTask(t, q, tk)

	w := worker.New(q, func(_ context.Context, _ *task.Task) ([]byte, error) {
		panic("nil map write")
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond), worker.WithShutdownOnEmpty())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}

	if stats := w.Stats(); stats.Panicked != 1 {
		t.Fatalf("stats = %+v, want 1 panicked", stats)
	}
}

func TestWorkerAppendsTraceRecords(t *testing.T) {
	q := setupQueue(t)
	var buf bytes.Buffer
	tw := trace.NewWriter(&buf)

	ok := task.New(id.NewRunID(), "noop", nil, 1)
	bad := task.New(id.NewRunID(), "flaky", nil, 1)
	bad.MaxRetries = 0
	enqueueTask(t, q, ok)
	enqueueTask(t, q, bad)

	w := worker.New(q, func(_ context.Context, got *task.Task) ([]byte, error) {
		if got.Kind == "flaky" {
			return nil, errors.New("boom")
		}
		return nil, nil
	}, slog.Default(),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithShutdownOnEmpty(),
		worker.WithTrace(tw),
	)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}

	records, err := trace.ReadAll(&buf)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("trace records = %d, want one per attempt", len(records))
	}
	for _, rec := range records {
		if rec.WorkerID.String() != w.ID().String() {
			t.Fatalf("record worker = %s, want %s", rec.WorkerID, w.ID())
		}
		if rec.Attempt != 1 {
			t.Fatalf("attempt = %d, want 1", rec.Attempt)
		}
	}
}

func TestPoolProcessesBacklog(t *testing.T) {
	q := setupQueue(t)

	const backlog = 20
	for i := range backlog {
		tk := task.New(id.NewRunID(), "noop", nil, 1+i%9)
		enqueueTask(t, q, tk)
	}

	var done atomic.Int32
	pool := worker.NewPool(4, q, func(_ context.Context, _ *task.Task) ([]byte, error) {
		done.Add(1)
		return nil, nil
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond), worker.WithShutdownOnEmpty())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := pool.Wait(); err != nil {
		t.Fatalf("wait error: %v", err)
	}

	if got := done.Load(); got != backlog {
		t.Fatalf("processed = %d, want %d", got, backlog)
	}
	if stats := pool.Stats(); stats.Succeeded != backlog {
		t.Fatalf("pool stats = %+v, want %d succeeded", stats, backlog)
	}
}

func TestPoolStopCancelsWorkers(t *testing.T) {
	q := setupQueue(t)

	pool := worker.NewPool(2, q, func(_ context.Context, _ *task.Task) ([]byte, error) {
		return nil, nil
	}, slog.Default(), worker.WithPollInterval(10*time.Millisecond))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	// Double start is a no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("double start error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
