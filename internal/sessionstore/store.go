package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/kyc-flow/internal/verification"
)

// ErrNotFound is returned when no snapshot exists for a flow.
var ErrNotFound = errors.New("flow snapshot not found")

// Store persists flow snapshots so progress survives a process restart.
// Safe for concurrent use.
type Store interface {
	Save(ctx context.Context, snap verification.Snapshot) error
	Load(ctx context.Context, flowID string) (verification.Snapshot, error)
	Delete(ctx context.Context, flowID string) error
}

// snapshotTTL bounds how long an abandoned flow lingers.
const snapshotTTL = 24 * time.Hour

// ---------------------------------------------------------------------------

// MemoryStore keeps snapshots in a mutex-guarded map.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]verification.Snapshot
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]verification.Snapshot)}
}

func (s *MemoryStore) Save(ctx context.Context, snap verification.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.FlowID] = snap
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, flowID string) (verification.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[flowID]
	if !ok {
		return verification.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[flowID]; !ok {
		return ErrNotFound
	}
	delete(s.snaps, flowID)
	return nil
}

// ---------------------------------------------------------------------------

// RedisStore persists snapshots in Redis under a namespaced key with a TTL.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore builds a store backed by go-redis.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(flowID string) string {
	return fmt.Sprintf("%s:flow:%s", s.namespace, flowID)
}

func (s *RedisStore) Save(ctx context.Context, snap verification.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	return s.client.Set(ctx, s.key(snap.FlowID), data, snapshotTTL).Err()
}

func (s *RedisStore) Load(ctx context.Context, flowID string) (verification.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return verification.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return verification.Snapshot{}, err
	}
	var snap verification.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return verification.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	snap.Step = verification.StepFromName(snap.StepName)
	return snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	deleted, err := s.client.Del(ctx, s.key(flowID)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}
