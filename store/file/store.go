// Package file persists queue snapshots as one rewritten-on-mutation
// document on local disk. Writes go through a temp file and rename, so a
// crash mid-write leaves the previous snapshot intact rather than a torn
// one.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
)

// Store is a file-backed queue.SnapshotStore.
type Store struct {
	mu    sync.Mutex
	path  string
	codec Codec
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCodec selects the snapshot encoding. Defaults to JSON.
func WithCodec(c Codec) StoreOption {
	return func(s *Store) { s.codec = c }
}

// New creates a Store writing under dir, which is created if missing. The
// snapshot file name carries the codec name as its extension.
func New(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{codec: &JSONCodec{}}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	s.path = filepath.Join(dir, "queue.snapshot."+s.codec.Name())
	return s, nil
}

// SaveSnapshot rewrites the snapshot document atomically.
func (s *Store) SaveSnapshot(ctx context.Context, snap *queue.Snapshot) error {
	data, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot document. Returns nil with no error when
// no snapshot has been written yet.
func (s *Store) LoadSnapshot(ctx context.Context) (*queue.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	snap, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

var _ queue.SnapshotStore = (*Store)(nil)
