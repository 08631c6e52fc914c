package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyConsumed is returned when a ONE_TIME_USE grant was already used.
var ErrAlreadyConsumed = errors.New("authority: grant already consumed")

// ConsumptionStore tracks ONE_TIME_USE grants. Consume must be an atomic
// compare-and-swap: of any number of concurrent callers for the same grant,
// exactly one succeeds.
type ConsumptionStore interface {
	Consumed(ctx context.Context, grantID string) (bool, error)
	Consume(ctx context.Context, grantID, executionID string) error
}

// MemoryConsumptionStore is an in-process ConsumptionStore.
type MemoryConsumptionStore struct {
	mu   sync.Mutex
	used map[string]string
}

func NewMemoryConsumptionStore() *MemoryConsumptionStore {
	return &MemoryConsumptionStore{used: make(map[string]string)}
}

func (s *MemoryConsumptionStore) Consumed(_ context.Context, grantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[grantID]
	return ok, nil
}

func (s *MemoryConsumptionStore) Consume(_ context.Context, grantID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[grantID]; ok {
		return ErrAlreadyConsumed
	}
	s.used[grantID] = executionID
	return nil
}

// RedisConsumptionStore shares consumption state across gateway replicas.
// Consume is a SETNX, which Redis executes atomically.
type RedisConsumptionStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisConsumptionStore creates a store backed by Redis.
func NewRedisConsumptionStore(client redis.Cmdable, prefix string) *RedisConsumptionStore {
	if prefix == "" {
		prefix = "helmgate:consumed:"
	}
	return &RedisConsumptionStore{client: client, prefix: prefix}
}

func (s *RedisConsumptionStore) Consumed(ctx context.Context, grantID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+grantID).Result()
	if err != nil {
		return false, fmt.Errorf("redis consumption lookup: %w", err)
	}
	return n > 0, nil
}

func (s *RedisConsumptionStore) Consume(ctx context.Context, grantID, executionID string) error {
	// No TTL: a consumed grant stays consumed.
	ok, err := s.client.SetNX(ctx, s.prefix+grantID, executionID, 0).Result()
	if err != nil {
		return fmt.Errorf("redis consumption write: %w", err)
	}
	if !ok {
		return ErrAlreadyConsumed
	}
	return nil
}
