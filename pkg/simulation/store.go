package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// MemoryStore keeps the latest result per request.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]contracts.SimulationResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]contracts.SimulationResult)}
}

func (s *MemoryStore) Put(_ context.Context, r contracts.SimulationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.RequestID] = r
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, requestID string) (*contracts.SimulationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[requestID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// RedisStore keeps results in Redis so every gateway replica sees the same
// evidence. Entries expire after ttl.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. Empty prefix uses "helmgate:sim:".
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "helmgate:sim:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, r contracts.SimulationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal simulation: %w", err)
	}
	return s.client.Set(ctx, s.prefix+r.RequestID, data, s.ttl).Err()
}

func (s *RedisStore) Latest(ctx context.Context, requestID string) (*contracts.SimulationResult, error) {
	data, err := s.client.Get(ctx, s.prefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get simulation: %w", err)
	}
	var r contracts.SimulationResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode simulation: %w", err)
	}
	return &r, nil
}
