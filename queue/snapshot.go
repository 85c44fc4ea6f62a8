package queue

import (
	"context"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// Snapshot is the durable queue document: pending tasks by tier order, the
// in-progress map, and a last-updated timestamp. It is rewritten on every
// mutation; it is a snapshot, not a transactional log.
type Snapshot struct {
	// Pending holds all queued tasks in dequeue order (tier by tier,
	// FIFO within a tier).
	Pending []*task.Task `json:"pending" msgpack:"pending"`

	// InProgress maps task id to the task a worker currently holds.
	InProgress map[string]*task.Task `json:"in_progress" msgpack:"in_progress"`

	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// SnapshotStore persists the queue document. Implementations rewrite the
// whole document on save; Load returns nil without error when no snapshot
// exists yet.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// snapshotLocked builds the document. Caller holds q.mu.
func (q *Queue) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Pending:    make([]*task.Task, 0, q.pending),
		InProgress: make(map[string]*task.Task, len(q.inProgress)),
		UpdatedAt:  time.Now().UTC(),
	}
	for tier := task.HighestPriority; tier <= task.LowestPriority; tier++ {
		snap.Pending = append(snap.Pending, q.tiers[tier]...)
	}
	for k, t := range q.inProgress {
		snap.InProgress[k] = t
	}
	return snap
}
