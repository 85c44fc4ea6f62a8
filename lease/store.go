package lease

import (
	"context"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
)

// Store is the persistence contract for worker nodes and leases. The
// coordinator serializes all mutations behind its own lock, so
// implementations only need to be safe for concurrent reads.
type Store interface {
	// SaveWorker inserts or replaces a worker node.
	SaveWorker(ctx context.Context, n *WorkerNode) error

	// GetWorker returns a worker by id, or sched.ErrWorkerNotFound.
	GetWorker(ctx context.Context, workerID id.WorkerID) (*WorkerNode, error)

	// ListWorkers returns every registered worker, offline included.
	ListWorkers(ctx context.Context) ([]*WorkerNode, error)

	// SaveLease inserts or replaces a lease.
	SaveLease(ctx context.Context, l *TaskLease) error

	// GetLease returns a lease by id, or sched.ErrLeaseNotFound.
	GetLease(ctx context.Context, leaseID id.LeaseID) (*TaskLease, error)

	// ListLeases returns every lease in any state.
	ListLeases(ctx context.Context) ([]*TaskLease, error)
}
