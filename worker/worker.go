// Package worker provides the pull-based execution loop: a Worker that
// dequeues tasks, runs them under their own timeout, and reports outcomes,
// and a Pool that manages a set of concurrent workers over one queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/trace"
)

// Handler is the caller-supplied executor function: task context payload and
// run id in, output or failure out. Its internals are outside the scheduler's
// concern; it must respect ctx cancellation for timeouts to bite promptly.
type Handler func(ctx context.Context, t *task.Task) ([]byte, error)

// Stats is one worker's attempt counters, recomputed callers' side for pools.
type Stats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Panicked  int `json:"panicked"`
}

// Worker is one pull loop: dequeue with a short timeout, execute under the
// task's own timeout, ack or nack, and append one immutable trace record per
// attempt.
type Worker struct {
	id           id.WorkerID
	queue        *queue.Queue
	handler      Handler
	tracer       *trace.Writer
	logger       *slog.Logger
	pollInterval time.Duration

	// shutdownOnEmpty stops the loop once a dequeue comes back empty and
	// the queue confirms it has no pending work.
	shutdownOnEmpty bool

	mu    sync.Mutex
	stats Stats
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets how long the worker blocks on an empty queue.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithShutdownOnEmpty makes the worker exit once the queue is drained.
func WithShutdownOnEmpty() WorkerOption {
	return func(w *Worker) { w.shutdownOnEmpty = true }
}

// WithTrace sets the append-only execution trace writer.
func WithTrace(tw *trace.Writer) WorkerOption {
	return func(w *Worker) { w.tracer = tw }
}

// New creates a Worker with a fresh worker ID.
func New(q *queue.Queue, handler Handler, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:           id.NewWorkerID(),
		queue:        q,
		handler:      handler,
		logger:       logger,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.WorkerID { return w.id }

// Stats returns a copy of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run executes the worker loop until ctx is cancelled, the queue closes, or
// (with shutdown-on-empty) the queue drains.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := w.queue.Dequeue(ctx, w.id, w.pollInterval)
		if err != nil {
			if errors.Is(err, sched.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			w.logger.Error("dequeue error",
				slog.String("worker_id", w.id.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if t == nil {
			if w.shutdownOnEmpty && w.queue.Size() == 0 {
				w.logger.Debug("queue drained, worker exiting",
					slog.String("worker_id", w.id.String()))
				return nil
			}
			continue
		}

		w.process(ctx, t)
	}
}

// process runs one attempt end to end: execute, trace, ack/nack.
func (w *Worker) process(ctx context.Context, t *task.Task) {
	start := time.Now().UTC()
	output, outcome, execErr := w.execute(ctx, t)
	finished := time.Now().UTC()

	rec := trace.Record{
		WorkerID:   w.id,
		TaskID:     t.ID,
		Attempt:    t.RetryCount + 1,
		Outcome:    outcome,
		StartedAt:  start,
		FinishedAt: finished,
		Duration:   finished.Sub(start),
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if w.tracer != nil {
		if traceErr := w.tracer.Append(rec); traceErr != nil {
			w.logger.Error("trace append failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", traceErr.Error()),
			)
		}
	}

	w.mu.Lock()
	w.stats.Processed++
	switch outcome {
	case trace.OutcomeCompleted:
		w.stats.Succeeded++
	case trace.OutcomeTimeout:
		w.stats.TimedOut++
	case trace.OutcomePanicked:
		w.stats.Panicked++
	default:
		w.stats.Failed++
	}
	w.mu.Unlock()

	if outcome == trace.OutcomeCompleted {
		result := &task.Result{TaskID: t.ID, Output: output, Duration: rec.Duration}
		if ackErr := w.queue.Ack(ctx, t.ID, result); ackErr != nil {
			w.logger.Error("ack failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	// Timeouts, handler failures, and panics are all transient from the
	// queue's point of view: retry until the budget runs out.
	if nackErr := w.queue.Nack(ctx, t.ID, execErr, true); nackErr != nil {
		w.logger.Error("nack failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", nackErr.Error()),
		)
	}
}

// execute runs the handler under the task's own timeout, converting panics
// into failures so one bad task never takes the worker loop down.
func (w *Worker) execute(ctx context.Context, t *task.Task) (output []byte, outcome trace.Outcome, err error) {
	execCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = trace.OutcomePanicked
			err = fmt.Errorf("task handler panicked: %v", r)
			w.logger.Error("recovered from task panic",
				slog.String("task_id", t.ID.String()),
				slog.Any("panic", r),
			)
		}
	}()

	output, err = w.handler(execCtx, t)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		// Checked before the nil-error case: a handler that ignores ctx
		// and returns no error after the deadline still timed out.
		return nil, trace.OutcomeTimeout, fmt.Errorf("task timed out after %s: %w", t.Timeout, context.DeadlineExceeded)
	case err == nil:
		return output, trace.OutcomeCompleted, nil
	default:
		return nil, trace.OutcomeFailed, err
	}
}
