// Package redis backs the queue snapshot and the lease registry with Redis,
// for deployments where the coordinator must survive process restarts or run
// alongside other tooling. Worker nodes and leases are stored as Hashes with
// Sets for enumeration; the queue snapshot is one serialized blob.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/lease"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
)

// Compile-time interface checks.
var (
	_ queue.SnapshotStore = (*Store)(nil)
	_ lease.Store         = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements queue.SnapshotStore and lease.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
