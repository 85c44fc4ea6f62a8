package sched

import "time"

// Config holds tunables shared by the engine-level components. Individual
// constructors take functional options; Config is the one-stop knob set for
// wiring everything through the engine package.
type Config struct {
	// MaxConcurrency is the maximum number of tasks executing
	// simultaneously in the bounded executor.
	MaxConcurrency int

	// BackpressureThreshold is the running/max ratio above which the
	// executor delays admission of new tasks.
	BackpressureThreshold float64

	// DependencyWaitTimeout bounds how long a submitted task waits for
	// its dependencies to complete before failing terminally.
	DependencyWaitTimeout time.Duration

	// DefaultTaskTimeout applies to tasks enqueued without an explicit
	// execution timeout.
	DefaultTaskTimeout time.Duration

	// DefaultMaxRetries applies to tasks enqueued without an explicit
	// retry budget.
	DefaultMaxRetries int

	// QueueCapacity bounds the pending backlog and anchors the
	// backpressure queue ratio. Zero means unbounded, which contributes
	// no queue pressure to the signal.
	QueueCapacity int

	// PollInterval is how long workers block on an empty queue before
	// rechecking for shutdown.
	PollInterval time.Duration

	// LeaseDuration is how long a granted lease remains valid without
	// completion.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often workers are expected to heartbeat;
	// granted leases carry it so the worker knows its reporting cadence.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a worker may go without a heartbeat
	// before the control plane marks it offline.
	HeartbeatTimeout time.Duration

	// SweepSchedule is the cron spec driving expired-lease and
	// dead-worker sweeps.
	SweepSchedule string

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:        10,
		BackpressureThreshold: 0.8,
		DependencyWaitTimeout: 300 * time.Second,
		DefaultTaskTimeout:    60 * time.Second,
		DefaultMaxRetries:     3,
		PollInterval:          1 * time.Second,
		LeaseDuration:         300 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      90 * time.Second,
		SweepSchedule:         "@every 30s",
		ShutdownTimeout:       30 * time.Second,
	}
}
