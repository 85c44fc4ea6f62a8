package ratelimit

import "sync"

// Limit configures one bucket: sustained permits per second plus capacity.
type Limit struct {
	PerSec   float64
	Capacity int
}

// TenantQuota is the fairness boundary: each tenant id and each agent name
// lazily owns its own TokenBucket, never shared. Ids without an explicit or
// default limit are unlimited.
type TenantQuota struct {
	mu sync.Mutex

	tenantDefault *Limit
	agentDefault  *Limit

	tenantLimits map[string]Limit
	agentLimits  map[string]Limit

	tenantBuckets map[string]*TokenBucket
	agentBuckets  map[string]*TokenBucket
}

// QuotaOption configures a TenantQuota.
type QuotaOption func(*TenantQuota)

// WithTenantDefault applies lim to tenants without an explicit limit.
func WithTenantDefault(lim Limit) QuotaOption {
	return func(q *TenantQuota) { q.tenantDefault = &lim }
}

// WithAgentDefault applies lim to agents without an explicit limit.
func WithAgentDefault(lim Limit) QuotaOption {
	return func(q *TenantQuota) { q.agentDefault = &lim }
}

// NewTenantQuota creates an empty quota layer.
func NewTenantQuota(opts ...QuotaOption) *TenantQuota {
	q := &TenantQuota{
		tenantLimits:  make(map[string]Limit),
		agentLimits:   make(map[string]Limit),
		tenantBuckets: make(map[string]*TokenBucket),
		agentBuckets:  make(map[string]*TokenBucket),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetTenantLimit configures an explicit limit for one tenant. An existing
// bucket is replaced so the new limit takes effect immediately.
func (q *TenantQuota) SetTenantLimit(tenantID string, lim Limit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tenantLimits[tenantID] = lim
	delete(q.tenantBuckets, tenantID)
}

// SetAgentLimit configures an explicit limit for one agent.
func (q *TenantQuota) SetAgentLimit(agent string, lim Limit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.agentLimits[agent] = lim
	delete(q.agentBuckets, agent)
}

// AllowTenant consumes one permit from the tenant's bucket. Tenants with no
// explicit limit and no default are unlimited.
func (q *TenantQuota) AllowTenant(tenantID string) bool {
	if tenantID == "" {
		return true
	}
	bucket := q.bucketFor(tenantID, q.tenantLimits, q.tenantBuckets, q.tenantDefault)
	if bucket == nil {
		return true
	}
	return bucket.TryConsume(1)
}

// AllowAgent consumes one permit from the agent's bucket.
func (q *TenantQuota) AllowAgent(agent string) bool {
	if agent == "" {
		return true
	}
	bucket := q.bucketFor(agent, q.agentLimits, q.agentBuckets, q.agentDefault)
	if bucket == nil {
		return true
	}
	return bucket.TryConsume(1)
}

// bucketFor returns the lazily created bucket for key, or nil when the key
// is unlimited.
func (q *TenantQuota) bucketFor(
	key string,
	limits map[string]Limit,
	buckets map[string]*TokenBucket,
	fallback *Limit,
) *TokenBucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b, ok := buckets[key]; ok {
		return b
	}

	lim, ok := limits[key]
	if !ok {
		if fallback == nil {
			return nil
		}
		lim = *fallback
	}

	b := NewTokenBucket(lim.Capacity, lim.PerSec)
	buckets[key] = b
	return b
}
