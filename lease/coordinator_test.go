package lease_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/lease"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/store/memory"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

func setupCoordinator(t *testing.T, opts ...lease.CoordinatorOption) *lease.Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := lease.NewCoordinator(memory.New(), logger, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func newTask(t *testing.T) *task.Task {
	t.Helper()
	return task.New(id.NewRunID(), "demo", nil, 5)
}

func TestScheduleGrantsLease(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	wid, err := c.RegisterWorker(ctx, "host-a", 9000, []string{"gpu"}, 2)
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	tk := newTask(t)
	leaseID, queued, err := c.Schedule(ctx, tk, []string{"gpu"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if queued {
		t.Fatal("expected a grant, got backlogged")
	}

	l, err := c.Lease(ctx, leaseID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if l.State != lease.StateLeased {
		t.Fatalf("lease state = %s, want leased", l.State)
	}
	if l.WorkerID.String() != wid.String() {
		t.Fatalf("lease worker = %s, want %s", l.WorkerID, wid)
	}

	n, err := c.Worker(ctx, wid)
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	if n.ActiveLeases != 1 || n.State != lease.NodeActive {
		t.Fatalf("worker load=%d state=%s, want 1/active", n.ActiveLeases, n.State)
	}
}

func TestGrantCarriesTenantAndHeartbeatInterval(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t, lease.WithHeartbeatInterval(15*time.Second))

	if _, err := c.RegisterWorker(ctx, "host-a", 9000, nil, 1); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	tk := newTask(t)
	tk.TenantID = "acme"
	leaseID, _, err := c.Schedule(ctx, tk, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	l, err := c.Lease(ctx, leaseID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if l.TenantID != "acme" {
		t.Fatalf("lease tenant = %q, want %q", l.TenantID, "acme")
	}
	if l.HeartbeatInterval != 15*time.Second {
		t.Fatalf("lease heartbeat interval = %s, want 15s", l.HeartbeatInterval)
	}
}

func TestScheduleLeastLoadedTiesByRegistration(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	first, _ := c.RegisterWorker(ctx, "host-a", 9000, nil, 4)
	second, _ := c.RegisterWorker(ctx, "host-b", 9000, nil, 4)

	// Equal load: the earlier registration wins.
	id1, _, err := c.Schedule(ctx, newTask(t), nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	l1, _ := c.Lease(ctx, id1)
	if l1.WorkerID.String() != first.String() {
		t.Fatalf("first grant on %s, want %s", l1.WorkerID, first)
	}

	// Now the first worker is more loaded; the second should get the grant.
	id2, _, err := c.Schedule(ctx, newTask(t), nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	l2, _ := c.Lease(ctx, id2)
	if l2.WorkerID.String() != second.String() {
		t.Fatalf("second grant on %s, want %s", l2.WorkerID, second)
	}
}

func TestScheduleCapabilityFilter(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	c.RegisterWorker(ctx, "host-a", 9000, []string{"cpu"}, 4)
	gpu, _ := c.RegisterWorker(ctx, "host-b", 9000, []string{"cpu", "gpu"}, 4)

	leaseID, queued, err := c.Schedule(ctx, newTask(t), []string{"gpu"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if queued {
		t.Fatal("expected a grant")
	}
	l, _ := c.Lease(ctx, leaseID)
	if l.WorkerID.String() != gpu.String() {
		t.Fatalf("granted to %s, want the gpu worker %s", l.WorkerID, gpu)
	}
}

func TestScheduleBacklogsWhenNoneEligible(t *testing.T) {
	ctx := context.Background()
	var granted []*lease.TaskLease
	c := setupCoordinator(t, lease.WithGrantCallback(func(l *lease.TaskLease, _ *task.Task) {
		granted = append(granted, l)
	}))

	_, queued, err := c.Schedule(ctx, newTask(t), []string{"gpu"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !queued {
		t.Fatal("expected the task to be backlogged")
	}
	if c.BacklogSize() != 1 {
		t.Fatalf("backlog = %d, want 1", c.BacklogSize())
	}

	// Registering a capable worker drains the backlog.
	wid, err := c.RegisterWorker(ctx, "host-a", 9000, []string{"gpu"}, 1)
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if c.BacklogSize() != 0 {
		t.Fatalf("backlog = %d after register, want 0", c.BacklogSize())
	}
	if len(granted) != 1 || granted[0].WorkerID.String() != wid.String() {
		t.Fatalf("grant callback = %v, want one grant on %s", granted, wid)
	}
}

func TestCompleteFreesSlotAndDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	var granted int
	c := setupCoordinator(t, lease.WithGrantCallback(func(*lease.TaskLease, *task.Task) {
		granted++
	}))

	wid, _ := c.RegisterWorker(ctx, "host-a", 9000, nil, 1)

	leaseID, _, err := c.Schedule(ctx, newTask(t), nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// The worker is at capacity, so the next task backlogs.
	if _, queued, _ := c.Schedule(ctx, newTask(t), nil); !queued {
		t.Fatal("expected second task to backlog")
	}

	if err := c.MarkExecuting(ctx, leaseID); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := c.Complete(ctx, leaseID, []byte(`"ok"`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	l, _ := c.Lease(ctx, leaseID)
	if l.State != lease.StateCompleted {
		t.Fatalf("lease state = %s, want completed", l.State)
	}
	if granted != 1 {
		t.Fatalf("backlog grants = %d, want 1", granted)
	}

	n, _ := c.Worker(ctx, wid)
	if n.ActiveLeases != 1 {
		t.Fatalf("worker load = %d, want 1 (backlogged task granted)", n.ActiveLeases)
	}
}

func TestOneActiveLeasePerTask(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)
	c.RegisterWorker(ctx, "host-a", 9000, nil, 4)

	tk := newTask(t)
	if _, _, err := c.Schedule(ctx, tk, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_, _, err := c.Schedule(ctx, tk, nil)
	if !errors.Is(err, sched.ErrLeaseAlreadyActive) {
		t.Fatalf("error = %v, want ErrLeaseAlreadyActive", err)
	}
}

func TestExpiredLeaseIsVoidBeforeSweep(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t, lease.WithLeaseDuration(20*time.Millisecond))
	c.RegisterWorker(ctx, "host-a", 9000, nil, 1)

	leaseID, _, err := c.Schedule(ctx, newTask(t), nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if err := c.Complete(ctx, leaseID, nil); !errors.Is(err, sched.ErrInvalidState) {
		t.Fatalf("Complete after expiry = %v, want ErrInvalidState", err)
	}
	l, _ := c.Lease(ctx, leaseID)
	if l.State != lease.StateExpired {
		t.Fatalf("lease state = %s, want expired", l.State)
	}
}

func TestSweepExpiredLeasesFreesTask(t *testing.T) {
	ctx := context.Background()
	var requeued []id.TaskID
	c := setupCoordinator(t,
		lease.WithLeaseDuration(20*time.Millisecond),
		lease.WithRequeue(func(taskID id.TaskID) { requeued = append(requeued, taskID) }),
	)
	c.RegisterWorker(ctx, "host-a", 9000, nil, 1)

	tk := newTask(t)
	if _, _, err := c.Schedule(ctx, tk, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	freed, err := c.SweepExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredLeases: %v", err)
	}
	if len(freed) != 1 || freed[0].String() != tk.ID.String() {
		t.Fatalf("freed = %v, want [%s]", freed, tk.ID)
	}
	if len(requeued) != 1 {
		t.Fatalf("requeued = %d, want 1", len(requeued))
	}

	// The task is schedulable again.
	if _, _, err := c.Schedule(ctx, tk, nil); err != nil {
		t.Fatalf("re-Schedule after expiry: %v", err)
	}
}

func TestSweepDeadWorkersVoidsLeases(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t, lease.WithHeartbeatTimeout(30*time.Millisecond))

	wid, _ := c.RegisterWorker(ctx, "host-a", 9000, nil, 1)
	tk := newTask(t)
	if _, _, err := c.Schedule(ctx, tk, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Heartbeats keep the worker alive.
	time.Sleep(20 * time.Millisecond)
	if err := c.Heartbeat(ctx, wid); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if freed, _ := c.SweepDeadWorkers(ctx); len(freed) != 0 {
		t.Fatalf("freed = %v after fresh heartbeat, want none", freed)
	}

	// Silence past the timeout flips the worker offline and frees its task.
	time.Sleep(50 * time.Millisecond)
	freed, err := c.SweepDeadWorkers(ctx)
	if err != nil {
		t.Fatalf("SweepDeadWorkers: %v", err)
	}
	if len(freed) != 1 || freed[0].String() != tk.ID.String() {
		t.Fatalf("freed = %v, want [%s]", freed, tk.ID)
	}

	n, _ := c.Worker(ctx, wid)
	if n.State != lease.NodeOffline {
		t.Fatalf("worker state = %s, want offline", n.State)
	}
	if err := c.Heartbeat(ctx, wid); !errors.Is(err, sched.ErrInvalidState) {
		t.Fatalf("Heartbeat on offline worker = %v, want ErrInvalidState", err)
	}

	// Another worker can pick the task up.
	other, _ := c.RegisterWorker(ctx, "host-b", 9000, nil, 1)
	leaseID, queued, err := c.Schedule(ctx, tk, nil)
	if err != nil || queued {
		t.Fatalf("re-Schedule: queued=%v err=%v", queued, err)
	}
	l, _ := c.Lease(ctx, leaseID)
	if l.WorkerID.String() != other.String() {
		t.Fatalf("re-granted to %s, want %s", l.WorkerID, other)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	c := setupCoordinator(t)
	err := c.Heartbeat(context.Background(), id.NewWorkerID())
	if !errors.Is(err, sched.ErrWorkerNotFound) {
		t.Fatalf("error = %v, want ErrWorkerNotFound", err)
	}
}
