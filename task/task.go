// Package task defines the Task model shared by the queue, executor, and
// control plane, plus the kind registry that validates task payloads at
// submission time.
package task

import (
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting in a queue tier.
	StatePending State = "pending"
	// StateInProgress means a worker is currently executing the task.
	StateInProgress State = "in_progress"
	// StateCompleted means the task finished successfully.
	StateCompleted State = "completed"
	// StateDeadLettered means the task failed terminally and will not
	// be retried. Dead letters are retained for operator inspection.
	StateDeadLettered State = "dead_lettered"
	// StateCancelled means the task was cancelled before admission.
	StateCancelled State = "cancelled"
)

// Priority bounds. Lower values are scheduled first.
const (
	HighestPriority = 1
	LowestPriority  = 9
)

// ClampPriority forces a priority into the supported [1,9] range.
func ClampPriority(p int) int {
	if p < HighestPriority {
		return HighestPriority
	}
	if p > LowestPriority {
		return LowestPriority
	}
	return p
}

// Task represents one schedulable unit of work belonging to a run.
//
// The Payload is owned by the submitter until the task is dequeued; after
// dequeue the reference passes to the executing worker. The queue keeps
// metadata only and never a mutable second copy.
type Task struct {
	sched.Entity

	ID       id.TaskID `json:"id"`
	RunID    id.RunID  `json:"run_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	NodeID   string    `json:"node_id,omitempty"`
	Agent    string    `json:"agent,omitempty"`

	// Kind selects the payload schema registered in a Registry.
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`

	State      State  `json:"state"`
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"max_retries"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// DependsOn lists tasks that must complete before this one runs.
	DependsOn []id.TaskID `json:"depends_on,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New constructs a pending Task with a fresh ID and clamped priority.
func New(runID id.RunID, kind string, payload []byte, priority int) *Task {
	return &Task{
		Entity:   sched.NewEntity(),
		ID:       id.NewTaskID(),
		RunID:    runID,
		Kind:     kind,
		Payload:  payload,
		State:    StatePending,
		Priority: ClampPriority(priority),
	}
}

// Terminal reports whether the task is in a terminal state.
func (t *Task) Terminal() bool {
	return t.State == StateCompleted || t.State == StateDeadLettered || t.State == StateCancelled
}

// RetriesExhausted reports whether another retryable failure must
// dead-letter the task instead of re-queueing it.
func (t *Task) RetriesExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

// Status is the externally visible view returned by status queries.
// It always reflects the retry count and the most recent attempt's error.
type Status struct {
	TaskID     id.TaskID `json:"task_id"`
	State      State     `json:"state"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
}

// Result is the outcome of one completed task execution.
type Result struct {
	TaskID   id.TaskID     `json:"task_id"`
	Output   []byte        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the execution succeeded.
func (r Result) OK() bool { return r.Err == "" }
