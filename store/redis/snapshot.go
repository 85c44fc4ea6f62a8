package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
)

// SaveSnapshot replaces the queue snapshot document. The whole document is
// rewritten on every mutation, mirroring the file store semantics.
func (s *Store) SaveSnapshot(ctx context.Context, snap *queue.Snapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sched/redis: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, 0).Err(); err != nil {
		return fmt.Errorf("sched/redis: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the queue snapshot. Returns nil with no error when no
// snapshot has been saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*queue.Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sched/redis: load snapshot: %w", err)
	}

	var snap queue.Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("sched/redis: decode snapshot: %w", err)
	}
	return &snap, nil
}
