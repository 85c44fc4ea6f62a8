package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/middleware"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

func testTask() *task.Task {
	t := task.New(id.NewRunID(), "demo", nil, 5)
	t.TenantID = "tenant-1"
	t.Agent = "agent-a"
	return t
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *task.Task, next middleware.Exec) ([]byte, error) {
			order = append(order, name+"-in")
			out, err := next(ctx)
			order = append(order, name+"-out")
			return out, err
		}
	}

	chain := middleware.Chain(mk("outer"), mk("inner"))
	out, err := chain(context.Background(), testTask(), func(context.Context) ([]byte, error) {
		order = append(order, "handler")
		return []byte("x"), nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if string(out) != "x" {
		t.Fatalf("output = %q", out)
	}

	want := []string{"outer-in", "inner-in", "handler", "inner-out", "outer-out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestWrapNoMiddlewareIsIdentity(t *testing.T) {
	called := false
	h := func(context.Context, *task.Task) ([]byte, error) {
		called = true
		return nil, nil
	}
	wrapped := middleware.Wrap(h)
	if _, err := wrapped(context.Background(), testTask()); err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestTenantInjection(t *testing.T) {
	var gotTenant, gotAgent string
	wrapped := middleware.Wrap(
		func(ctx context.Context, _ *task.Task) ([]byte, error) {
			gotTenant = middleware.TenantFrom(ctx)
			gotAgent = middleware.AgentFrom(ctx)
			return nil, nil
		},
		middleware.Tenant(),
	)

	if _, err := wrapped(context.Background(), testTask()); err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	if gotTenant != "tenant-1" || gotAgent != "agent-a" {
		t.Fatalf("context carried %q/%q, want tenant-1/agent-a", gotTenant, gotAgent)
	}
}

func TestTenantFromEmptyContext(t *testing.T) {
	if middleware.TenantFrom(context.Background()) != "" {
		t.Fatal("expected empty tenant")
	}
	if middleware.AgentFrom(context.Background()) != "" {
		t.Fatal("expected empty agent")
	}
}

func TestLoggingRecordsOutcome(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	wrapped := middleware.Wrap(
		func(context.Context, *task.Task) ([]byte, error) {
			return nil, errors.New("boom")
		},
		middleware.Logging(logger),
	)

	if _, err := wrapped(context.Background(), testTask()); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	logs := buf.String()
	if !strings.Contains(logs, "task attempt started") {
		t.Fatalf("missing start log: %s", logs)
	}
	if !strings.Contains(logs, "task attempt failed") || !strings.Contains(logs, "boom") {
		t.Fatalf("missing failure log: %s", logs)
	}
}
