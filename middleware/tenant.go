package middleware

import (
	"context"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

type tenantKey struct{}
type agentKey struct{}

// Tenant returns middleware that carries the task's tenant and agent
// identity on the context, so handler code and anything it calls can read
// them without threading the task through.
func Tenant() Middleware {
	return func(ctx context.Context, t *task.Task, next Exec) ([]byte, error) {
		if t.TenantID != "" {
			ctx = context.WithValue(ctx, tenantKey{}, t.TenantID)
		}
		if t.Agent != "" {
			ctx = context.WithValue(ctx, agentKey{}, t.Agent)
		}
		return next(ctx)
	}
}

// TenantFrom extracts the tenant id from the context. Returns an empty
// string when none is set.
func TenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}

// AgentFrom extracts the agent name from the context. Returns an empty
// string when none is set.
func AgentFrom(ctx context.Context) string {
	v, _ := ctx.Value(agentKey{}).(string)
	return v
}
