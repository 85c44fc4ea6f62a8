// Package lease coordinates task handoff to remote workers through
// time-bounded leases. Workers register, heartbeat, and are granted tasks by
// least-loaded selection; a lease that outlives its expiry is void whether or
// not the worker ever reports back, so a stalled worker can never pin a task
// forever.
package lease

import (
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
)

// NodeState is the lifecycle state of a registered worker node.
type NodeState string

const (
	// NodeIdle means the node holds no leases.
	NodeIdle NodeState = "idle"
	// NodeActive means the node holds leases but has spare capacity.
	NodeActive NodeState = "active"
	// NodeBusy means the node is at its declared concurrency limit.
	NodeBusy NodeState = "busy"
	// NodeOffline means the node missed its heartbeat window. Terminal;
	// an offline node never comes back without re-registering.
	NodeOffline NodeState = "offline"
)

// WorkerNode is a remote worker in the coordinator's registry. Nodes are
// never deleted, only flipped offline, so the registry doubles as an audit
// record.
type WorkerNode struct {
	ID            id.WorkerID `json:"id" msgpack:"id"`
	Host          string      `json:"host" msgpack:"host"`
	Port          int         `json:"port" msgpack:"port"`
	Capabilities  []string    `json:"capabilities" msgpack:"capabilities"`
	MaxConcurrent int         `json:"max_concurrent" msgpack:"max_concurrent"`
	ActiveLeases  int         `json:"active_leases" msgpack:"active_leases"`
	State         NodeState   `json:"state" msgpack:"state"`
	// Seq is the registration order, used as the scheduling tie-break.
	Seq          uint64    `json:"seq" msgpack:"seq"`
	LastSeen     time.Time `json:"last_seen" msgpack:"last_seen"`
	RegisteredAt time.Time `json:"registered_at" msgpack:"registered_at"`
}

// hasCapabilities reports whether the node advertises every capability in
// required.
func (n *WorkerNode) hasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range n.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// eligible reports whether the node can accept one more lease.
func (n *WorkerNode) eligible(required []string) bool {
	if n.State != NodeIdle && n.State != NodeActive {
		return false
	}
	if n.ActiveLeases >= n.MaxConcurrent {
		return false
	}
	return n.hasCapabilities(required)
}

// LeaseState is the lifecycle state of a task lease.
type LeaseState string

const (
	// StateLeased means the lease is granted but execution has not been
	// confirmed.
	StateLeased LeaseState = "leased"
	// StateExecuting means the worker confirmed it started the task.
	StateExecuting LeaseState = "executing"
	// StateCompleted means the worker reported a result.
	StateCompleted LeaseState = "completed"
	// StateFailed means the worker reported a failure.
	StateFailed LeaseState = "failed"
	// StateExpired means the lease outlived its expiry and was voided.
	StateExpired LeaseState = "expired"
)

// TaskLease is one time-bounded grant of a task to a worker. At most one
// lease per task is ever active at a time.
type TaskLease struct {
	ID       id.LeaseID  `json:"id" msgpack:"id"`
	TaskID   id.TaskID   `json:"task_id" msgpack:"task_id"`
	WorkerID id.WorkerID `json:"worker_id" msgpack:"worker_id"`
	TenantID string      `json:"tenant_id,omitempty" msgpack:"tenant_id,omitempty"`
	State    LeaseState  `json:"state" msgpack:"state"`

	GrantedAt time.Time `json:"granted_at" msgpack:"granted_at"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
	// HeartbeatInterval is how often the holding worker is expected to
	// heartbeat while this lease is open.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" msgpack:"heartbeat_interval"`

	// Result holds the worker-reported payload for completed leases and
	// the failure message for failed ones.
	Result []byte `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// active reports whether the lease still binds its task. A lease past its
// expiry is void even before a sweep observes it.
func (l *TaskLease) active(at time.Time) bool {
	if l.State != StateLeased && l.State != StateExecuting {
		return false
	}
	return at.Before(l.ExpiresAt)
}
