package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/lease"
)

// SaveWorker inserts or replaces a worker node.
func (s *Store) SaveWorker(ctx context.Context, n *lease.WorkerNode) error {
	wID := n.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(wID), workerToMap(n))
	pipe.SAdd(ctx, workerIDsKey, wID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("sched/redis: save worker: %w", err)
	}
	return nil
}

// GetWorker returns a worker node by id.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*lease.WorkerNode, error) {
	vals, err := s.client.HGetAll(ctx, workerKey(workerID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("sched/redis: get worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", sched.ErrWorkerNotFound, workerID)
	}
	return mapToWorker(vals)
}

// ListWorkers returns all registered workers, offline included.
func (s *Store) ListWorkers(ctx context.Context) ([]*lease.WorkerNode, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sched/redis: list workers: %w", err)
	}

	workers := make([]*lease.WorkerNode, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		n, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		workers = append(workers, n)
	}
	return workers, nil
}

// SaveLease inserts or replaces a lease.
func (s *Store) SaveLease(ctx context.Context, l *lease.TaskLease) error {
	lID := l.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, leaseKey(lID), leaseToMap(l))
	pipe.SAdd(ctx, leaseIDsKey, lID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("sched/redis: save lease: %w", err)
	}
	return nil
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, leaseID id.LeaseID) (*lease.TaskLease, error) {
	vals, err := s.client.HGetAll(ctx, leaseKey(leaseID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("sched/redis: get lease: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", sched.ErrLeaseNotFound, leaseID)
	}
	return mapToLease(vals)
}

// ListLeases returns every lease in any state.
func (s *Store) ListLeases(ctx context.Context) ([]*lease.TaskLease, error) {
	ids, err := s.client.SMembers(ctx, leaseIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sched/redis: list leases: %w", err)
	}

	leases := make([]*lease.TaskLease, 0, len(ids))
	for _, lID := range ids {
		vals, getErr := s.client.HGetAll(ctx, leaseKey(lID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		l, convErr := mapToLease(vals)
		if convErr != nil {
			continue
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// ── conversion helpers ──────────────────────────────────────────────────────

func workerToMap(n *lease.WorkerNode) map[string]interface{} {
	return map[string]interface{}{
		"id":             n.ID.String(),
		"host":           n.Host,
		"port":           strconv.Itoa(n.Port),
		"capabilities":   marshalJSON(n.Capabilities),
		"max_concurrent": strconv.Itoa(n.MaxConcurrent),
		"active_leases":  strconv.Itoa(n.ActiveLeases),
		"state":          string(n.State),
		"seq":            strconv.FormatUint(n.Seq, 10),
		"last_seen":      n.LastSeen.UTC().Format(time.RFC3339Nano),
		"registered_at":  n.RegisteredAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapToWorker(m map[string]string) (*lease.WorkerNode, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("sched/redis: parse worker id: %w", err)
	}

	port, _ := strconv.Atoi(m["port"])
	maxConcurrent, _ := strconv.Atoi(m["max_concurrent"])
	activeLeases, _ := strconv.Atoi(m["active_leases"])
	seq, _ := strconv.ParseUint(m["seq"], 10, 64)
	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])
	registeredAt, _ := time.Parse(time.RFC3339Nano, m["registered_at"])

	return &lease.WorkerNode{
		ID:            wID,
		Host:          m["host"],
		Port:          port,
		Capabilities:  unmarshalStrings(m["capabilities"]),
		MaxConcurrent: maxConcurrent,
		ActiveLeases:  activeLeases,
		State:         lease.NodeState(m["state"]),
		Seq:           seq,
		LastSeen:      lastSeen,
		RegisteredAt:  registeredAt,
	}, nil
}

func leaseToMap(l *lease.TaskLease) map[string]interface{} {
	return map[string]interface{}{
		"id":                 l.ID.String(),
		"task_id":            l.TaskID.String(),
		"worker_id":          l.WorkerID.String(),
		"tenant_id":          l.TenantID,
		"state":              string(l.State),
		"granted_at":         l.GrantedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":         l.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"heartbeat_interval": strconv.FormatInt(int64(l.HeartbeatInterval), 10),
		"result":             string(l.Result),
		"error":              l.Error,
	}
}

func mapToLease(m map[string]string) (*lease.TaskLease, error) {
	lID, err := id.ParseLeaseID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("sched/redis: parse lease id: %w", err)
	}
	taskID, err := id.ParseTaskID(m["task_id"])
	if err != nil {
		return nil, fmt.Errorf("sched/redis: parse task id: %w", err)
	}
	workerID, err := id.ParseWorkerID(m["worker_id"])
	if err != nil {
		return nil, fmt.Errorf("sched/redis: parse worker id: %w", err)
	}

	grantedAt, _ := time.Parse(time.RFC3339Nano, m["granted_at"])
	expiresAt, _ := time.Parse(time.RFC3339Nano, m["expires_at"])
	heartbeat, _ := strconv.ParseInt(m["heartbeat_interval"], 10, 64)

	var result []byte
	if m["result"] != "" {
		result = []byte(m["result"])
	}

	return &lease.TaskLease{
		ID:                lID,
		TaskID:            taskID,
		WorkerID:          workerID,
		TenantID:          m["tenant_id"],
		State:             lease.LeaseState(m["state"]),
		GrantedAt:         grantedAt,
		ExpiresAt:         expiresAt,
		HeartbeatInterval: time.Duration(heartbeat),
		Result:            result,
		Error:             m["error"],
	}, nil
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
