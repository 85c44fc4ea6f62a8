// Package admission combines every gate a task passes on its way from
// queued to running: the backpressure signal, global and per-agent
// concurrency ceilings, the tenant quota, and the agent rate limit. One
// Admit call yields one decision; denials are capacity outcomes at the
// boundary, never task failures.
package admission

import (
	"fmt"
	"log/slog"
	"sync"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/backpressure"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/ratelimit"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// MetricsSource supplies the load sample fed to the backpressure signal.
// Where the numbers come from is the caller's concern.
type MetricsSource func() backpressure.Metrics

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	// Reason names the first gate that denied admission, empty when
	// admitted.
	Reason string
	// ThrottleFactor is the backpressure factor in effect at decision
	// time, recorded for audit.
	ThrottleFactor float64
}

// Scheduler is the combined admission gate. Acquire-style: an admitted task
// holds its counters until Release.
type Scheduler struct {
	signal  *backpressure.Signal
	quota   *ratelimit.TenantQuota
	metrics MetricsSource
	logger  *slog.Logger

	mu          sync.Mutex
	maxRunning  int
	running     int
	agentActive map[string]int
	agentMax    map[string]int

	admitted uint64
	denied   uint64
}

// SchedOption configures a Scheduler.
type SchedOption func(*Scheduler)

// WithMaxRunning bounds globally concurrent admitted tasks. Zero disables
// the global ceiling.
func WithMaxRunning(n int) SchedOption {
	return func(s *Scheduler) { s.maxRunning = n }
}

// WithAgentCeiling caps concurrently admitted tasks for one agent.
func WithAgentCeiling(agent string, n int) SchedOption {
	return func(s *Scheduler) { s.agentMax[agent] = n }
}

// New creates a Scheduler. metrics may be nil, which disables the
// backpressure gate (useful in tests exercising the other layers).
func New(
	signal *backpressure.Signal,
	quota *ratelimit.TenantQuota,
	metrics MetricsSource,
	logger *slog.Logger,
	opts ...SchedOption,
) *Scheduler {
	s := &Scheduler{
		signal:      signal,
		quota:       quota,
		metrics:     metrics,
		logger:      logger,
		agentActive: make(map[string]int),
		agentMax:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit runs the gates in order: backpressure, global ceiling, agent
// ceiling, tenant quota, agent rate. The first denial wins. An admitted task
// must be paired with exactly one Release.
func (s *Scheduler) Admit(t *task.Task) (Decision, error) {
	var state backpressure.State
	state.ThrottleFactor = 1.0
	if s.metrics != nil {
		state = s.signal.Evaluate(s.metrics())
	}

	if state.RejectAll {
		return s.deny(t, "backpressure overload", state.ThrottleFactor, sched.ErrAdmissionRejected)
	}
	if state.PauseNonCritical && t.Priority > task.HighestPriority {
		return s.deny(t, "backpressure critical, non-critical paused", state.ThrottleFactor, sched.ErrAdmissionRejected)
	}

	s.mu.Lock()
	if s.maxRunning > 0 && s.running >= s.maxRunning {
		s.mu.Unlock()
		return s.deny(t, "global concurrency ceiling", state.ThrottleFactor, sched.ErrAdmissionRejected)
	}
	if t.Agent != "" {
		if limit, ok := s.agentMax[t.Agent]; ok && limit > 0 && s.agentActive[t.Agent] >= limit {
			s.mu.Unlock()
			return s.deny(t, "agent concurrency ceiling", state.ThrottleFactor, sched.ErrAgentSaturated)
		}
	}
	// Hold the counters pessimistically while the rate gates run so a
	// concurrent Admit cannot overshoot the ceilings.
	s.running++
	if t.Agent != "" {
		s.agentActive[t.Agent]++
	}
	s.mu.Unlock()

	if !s.quota.AllowTenant(t.TenantID) {
		s.rollback(t)
		return s.deny(t, "tenant rate quota", state.ThrottleFactor, sched.ErrRateLimited)
	}
	if !s.quota.AllowAgent(t.Agent) {
		s.rollback(t)
		return s.deny(t, "agent rate limit", state.ThrottleFactor, sched.ErrRateLimited)
	}

	s.mu.Lock()
	s.admitted++
	s.mu.Unlock()

	return Decision{Admitted: true, ThrottleFactor: state.ThrottleFactor}, nil
}

// Release returns the counters held by an admitted task.
func (s *Scheduler) Release(t *task.Task) {
	s.rollback(t)
}

// Counts returns the admitted/denied totals and current running count.
func (s *Scheduler) Counts() (admitted, denied uint64, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted, s.denied, s.running
}

func (s *Scheduler) rollback(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
	if t.Agent != "" && s.agentActive[t.Agent] > 0 {
		s.agentActive[t.Agent]--
	}
}

func (s *Scheduler) deny(t *task.Task, reason string, factor float64, err error) (Decision, error) {
	s.mu.Lock()
	s.denied++
	s.mu.Unlock()

	s.logger.Debug("admission denied",
		slog.String("task_id", t.ID.String()),
		slog.String("tenant_id", t.TenantID),
		slog.String("agent", t.Agent),
		slog.String("reason", reason),
		slog.Float64("throttle_factor", factor),
	)
	return Decision{Reason: reason, ThrottleFactor: factor},
		fmt.Errorf("%w: %s", err, reason)
}
