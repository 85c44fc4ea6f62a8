// Package event provides the in-process task lifecycle bus. The queue
// publishes an event on every task state transition; subscribers receive
// them on buffered channels with non-blocking delivery, so a slow consumer
// drops events rather than stalling the queue's critical section.
package event

import (
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// Type names a task lifecycle transition.
type Type string

const (
	// TypeEnqueued fires when a task enters a queue tier.
	TypeEnqueued Type = "task.enqueued"
	// TypeStarted fires when a worker pulls the task for execution.
	TypeStarted Type = "task.started"
	// TypeCompleted fires on successful completion.
	TypeCompleted Type = "task.completed"
	// TypeRetried fires when a failed task is demoted and re-queued.
	TypeRetried Type = "task.retried"
	// TypeDeadLettered fires when a task fails terminally.
	TypeDeadLettered Type = "task.dead_lettered"
)

// Event is one task lifecycle transition. Payloads are not carried: the
// event identifies the task and the subscriber queries the queue when it
// needs more than the transition metadata.
type Event struct {
	Type      Type        `json:"type"`
	TaskID    id.TaskID   `json:"task_id"`
	RunID     id.RunID    `json:"run_id"`
	Kind      string      `json:"kind"`
	TenantID  string      `json:"tenant_id,omitempty"`
	Agent     string      `json:"agent,omitempty"`
	Priority  int         `json:"priority"`
	Attempt   int         `json:"attempt"`
	WorkerID  id.WorkerID `json:"worker_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// FromTask builds an event snapshot of t's identifying fields.
func FromTask(typ Type, t *task.Task) Event {
	return Event{
		Type:      typ,
		TaskID:    t.ID,
		RunID:     t.RunID,
		Kind:      t.Kind,
		TenantID:  t.TenantID,
		Agent:     t.Agent,
		Priority:  t.Priority,
		Attempt:   t.RetryCount,
		WorkerID:  t.WorkerID,
		Error:     t.LastError,
		Timestamp: time.Now().UTC(),
	}
}
