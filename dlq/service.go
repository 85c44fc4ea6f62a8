// Package dlq provides inspection and replay operations over the queue's
// dead letters. A dead-lettered task is terminal; replay builds a fresh task
// from its payload rather than resurrecting the old one, so the audit trail
// of the failed task stays intact.
package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// Service provides high-level dead-letter operations over a queue.
type Service struct {
	q      *queue.Queue
	logger *slog.Logger
}

// NewService creates a dead-letter service.
func NewService(q *queue.Queue, logger *slog.Logger) *Service {
	return &Service{q: q, logger: logger}
}

// List returns the dead-lettered tasks for inspection.
func (s *Service) List() []*task.Task {
	return s.q.DeadLetters()
}

// Count returns how many tasks are dead-lettered.
func (s *Service) Count() int {
	return len(s.q.DeadLetters())
}

// Replay re-enqueues a dead-lettered task as a new pending task and removes
// the dead letter. The new task gets a fresh id, a zero retry count, and its
// original priority back; kind, payload, tenant, and run linkage carry over.
func (s *Service) Replay(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	dead, err := s.q.TakeDeadLetter(taskID)
	if err != nil {
		return nil, err
	}

	fresh := task.New(dead.RunID, dead.Kind, dead.Payload, dead.Priority-dead.RetryCount)
	fresh.TenantID = dead.TenantID
	fresh.NodeID = dead.NodeID
	fresh.Agent = dead.Agent
	fresh.DependsOn = dead.DependsOn
	fresh.MaxRetries = dead.MaxRetries
	fresh.Timeout = dead.Timeout

	if err := s.q.Enqueue(ctx, fresh); err != nil {
		// The dead letter is already gone; surface the enqueue failure
		// with the replacement attached so the caller can retry.
		return fresh, err
	}

	s.logger.Info("dead letter replayed",
		slog.String("dead_task_id", taskID.String()),
		slog.String("new_task_id", fresh.ID.String()),
		slog.String("kind", fresh.Kind),
	)
	return fresh, nil
}

// Purge drops dead letters last touched before the given time and returns
// how many were removed.
func (s *Service) Purge(before time.Time) int {
	n := s.q.PurgeDeadLetters(before)
	if n > 0 {
		s.logger.Info("dead letters purged", slog.Int("count", n))
	}
	return n
}
