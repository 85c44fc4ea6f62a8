package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// meterName is the instrumentation scope name for scheduler metrics.
const meterName = "github.com/Benjamindaoson/agentic-delivery-os-sub002"

// Metrics returns middleware that records per-attempt execution metrics
// using the global OTel MeterProvider. If no MeterProvider is configured,
// noop instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - sched.attempt.duration (Float64Histogram): attempt time in seconds,
//     with attributes: kind, tenant_id, status ("ok" or "error")
//   - sched.attempt.total (Int64Counter): total attempts,
//     with attributes: kind, tenant_id, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time. On error,
	// the OTel API returns noop instruments so the middleware degrades
	// gracefully.
	duration, dErr := meter.Float64Histogram(
		"sched.attempt.duration",
		metric.WithDescription("Duration of a task execution attempt in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	attempts, aErr := meter.Int64Counter(
		"sched.attempt.total",
		metric.WithDescription("Total number of task execution attempts"),
		metric.WithUnit("{attempt}"),
	)
	_ = aErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, t *task.Task, next Exec) ([]byte, error) {
		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("kind", t.Kind),
			attribute.String("tenant_id", t.TenantID),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return out, err
	}
}
