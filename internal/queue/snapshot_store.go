package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
)

// snapshotStore persists and restores a Queue's full command set. A nil
// *snapshot return from Load means no prior snapshot exists.
type snapshotStore interface {
	Load() (*snapshot, error)
	Save(snap snapshot) error
}

// fileSnapshotStore is the default single-process backend: one JSON file,
// written atomically via a temp-file-then-rename.
type fileSnapshotStore struct {
	path string
}

func newFileSnapshotStore(path string) *fileSnapshotStore {
	return &fileSnapshotStore{path: path}
}

func (s *fileSnapshotStore) Load() (*snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot file: %w", err)
	}
	return &snap, nil
}

func (s *fileSnapshotStore) Save(snap snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// redisSnapshotKey is the single key a redisSnapshotStore reads/writes;
// the full command set is small enough to round-trip as one JSON blob,
// matching how command_queue.py's own Redis-backed mode persists state.
const redisSnapshotKey = "llmesh:queue:snapshot"

// redisSnapshotStore lets multiple meshd replicas share one queue's
// recovery state instead of each keeping an independent local file,
// mirroring gomind's DiscoveryConfig/MemoryConfig pattern of promoting
// Redis as the distributed-state backend.
type redisSnapshotStore struct {
	client *redis.Client
}

func newRedisSnapshotStore(url string) (*redisSnapshotStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisSnapshotStore{client: redis.NewClient(opts)}, nil
}

func (s *redisSnapshotStore) Load() (*snapshot, error) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, redisSnapshotKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse redis snapshot: %w", err)
	}
	return &snap, nil
}

func (s *redisSnapshotStore) Save(snap snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.Set(context.Background(), redisSnapshotKey, data, 0).Err()
}
