// Package memory provides an in-process store backed by mutex-guarded maps.
// It implements both the queue snapshot contract and the lease store
// contract, and is the default for tests and single-process deployments.
// Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/lease"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
)

// Store is an in-memory implementation of queue.SnapshotStore and
// lease.Store.
type Store struct {
	mu       sync.RWMutex
	snapshot *queue.Snapshot
	workers  map[string]*lease.WorkerNode
	// workerOrder preserves registration order across ListWorkers so the
	// scheduling tie-break stays deterministic.
	workerOrder []string
	leases      map[string]*lease.TaskLease
	leaseOrder  []string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		workers: make(map[string]*lease.WorkerNode),
		leases:  make(map[string]*lease.TaskLease),
	}
}

// ── queue.SnapshotStore ─────────────────────────────────────────────────────

// SaveSnapshot replaces the stored queue snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *queue.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when none was saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*queue.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, nil
}

// ── lease.Store ─────────────────────────────────────────────────────────────

// SaveWorker inserts or replaces a worker node.
func (s *Store) SaveWorker(ctx context.Context, n *lease.WorkerNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.ID.String()
	if _, ok := s.workers[key]; !ok {
		s.workerOrder = append(s.workerOrder, key)
	}
	cp := *n
	s.workers[key] = &cp
	return nil
}

// GetWorker returns a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*lease.WorkerNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.workers[workerID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sched.ErrWorkerNotFound, workerID)
	}
	cp := *n
	return &cp, nil
}

// ListWorkers returns every worker in registration order.
func (s *Store) ListWorkers(ctx context.Context) ([]*lease.WorkerNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*lease.WorkerNode, 0, len(s.workerOrder))
	for _, key := range s.workerOrder {
		cp := *s.workers[key]
		out = append(out, &cp)
	}
	return out, nil
}

// SaveLease inserts or replaces a lease.
func (s *Store) SaveLease(ctx context.Context, l *lease.TaskLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := l.ID.String()
	if _, ok := s.leases[key]; !ok {
		s.leaseOrder = append(s.leaseOrder, key)
	}
	cp := *l
	s.leases[key] = &cp
	return nil
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, leaseID id.LeaseID) (*lease.TaskLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leases[leaseID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sched.ErrLeaseNotFound, leaseID)
	}
	cp := *l
	return &cp, nil
}

// ListLeases returns every lease in grant order.
func (s *Store) ListLeases(ctx context.Context) ([]*lease.TaskLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*lease.TaskLease, 0, len(s.leaseOrder))
	for _, key := range s.leaseOrder {
		cp := *s.leases[key]
		out = append(out, &cp)
	}
	return out, nil
}

var _ queue.SnapshotStore = (*Store)(nil)
var _ lease.Store = (*Store)(nil)
