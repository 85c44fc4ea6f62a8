package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for executor metrics.
const meterName = "github.com/Benjamindaoson/agentic-delivery-os-sub002/executor"

// instruments wraps the OTel instruments. With no MeterProvider configured
// the OTel API hands back noop instruments, so recording is always safe.
type instruments struct {
	duration          metric.Float64Histogram
	executions        metric.Int64Counter
	backpressureWaits metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(meterName)

	duration, dErr := meter.Float64Histogram(
		"sched.task.duration",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"sched.task.executions",
		metric.WithDescription("Total number of task executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	waits, wErr := meter.Int64Counter(
		"sched.executor.backpressure_waits",
		metric.WithDescription("Admission wait cycles caused by the soft concurrency threshold"),
		metric.WithUnit("{wait}"),
	)
	_ = wErr // noop fallback guaranteed by OTel API contract

	return &instruments{duration: duration, executions: executions, backpressureWaits: waits}
}

func (i *instruments) recordExecution(ctx context.Context, kind, agent string, elapsed time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("agent", agent),
		attribute.String("status", status),
	)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
	i.executions.Add(ctx, 1, attrs)
}

func (i *instruments) addBackpressureWait(ctx context.Context) {
	i.backpressureWaits.Add(ctx, 1)
}

// Snapshot is a point-in-time view of the pool counters. Readers get a
// consistent copy without blocking running tasks for long.
type Snapshot struct {
	Submitted          uint64 `json:"submitted"`
	Completed          uint64 `json:"completed"`
	Failed             uint64 `json:"failed"`
	Cancelled          uint64 `json:"cancelled"`
	Pending            int    `json:"pending"`
	Running            int    `json:"running"`
	PeakConcurrency    int    `json:"peak_concurrency"`
	BackpressureEvents uint64 `json:"backpressure_events"`
}

// Metrics returns the current counter snapshot.
func (e *Executor) Metrics() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Submitted:          e.submitted,
		Completed:          e.completed,
		Failed:             e.failed,
		Cancelled:          e.cancelled,
		Pending:            e.pending,
		Running:            e.running,
		PeakConcurrency:    e.peak,
		BackpressureEvents: e.backpressureEvents,
	}
}
