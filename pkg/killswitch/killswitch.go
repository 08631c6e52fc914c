// Package killswitch holds the process-wide execution flag. When the switch
// is disabled the gateway blocks every attempt. The gateway polls it before
// each attempt; nothing here is cached.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the switch value plus who last changed it.
type State struct {
	Enabled   bool      `json:"enabled"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Switch is the kill switch accessor. An error from Enabled must be treated
// as disabled by callers.
type Switch interface {
	Enabled(ctx context.Context) (bool, error)
	State(ctx context.Context) (State, error)
	Set(ctx context.Context, enabled bool, by string) error
}

// Memory is an in-process switch.
type Memory struct {
	mu     sync.RWMutex
	state  State
	clock  func() time.Time
	logger *slog.Logger
}

// NewMemory creates an in-process switch in the given position.
func NewMemory(enabled bool) *Memory {
	return &Memory{
		state:  State{Enabled: enabled},
		clock:  time.Now,
		logger: slog.Default().With("component", "killswitch"),
	}
}

func (m *Memory) Enabled(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Enabled, nil
}

func (m *Memory) State(_ context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *Memory) Set(ctx context.Context, enabled bool, by string) error {
	m.mu.Lock()
	m.state = State{Enabled: enabled, ChangedBy: by, ChangedAt: m.clock().UTC()}
	m.mu.Unlock()
	logChange(ctx, m.logger, enabled, by)
	return nil
}

// Redis is a switch shared by every replica through one Redis key. A
// missing key reads as disabled.
type Redis struct {
	client redis.Cmdable
	key    string
	clock  func() time.Time
	logger *slog.Logger
}

// NewRedis creates a Redis-backed switch. Empty key uses "helmgate:killswitch".
func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = "helmgate:killswitch"
	}
	return &Redis{
		client: client,
		key:    key,
		clock:  time.Now,
		logger: slog.Default().With("component", "killswitch"),
	}
}

// Init sets the switch only if the key does not exist yet.
func (r *Redis) Init(ctx context.Context, enabled bool, by string) (bool, error) {
	data, err := r.encode(enabled, by)
	if err != nil {
		return false, err
	}
	set, err := r.client.SetNX(ctx, r.key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", r.key, err)
	}
	return set, nil
}

func (r *Redis) Enabled(ctx context.Context) (bool, error) {
	s, err := r.State(ctx)
	if err != nil {
		return false, err
	}
	return s.Enabled, nil
}

func (r *Redis) State(ctx context.Context) (State, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{Enabled: false}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode kill switch state: %w", err)
	}
	return s, nil
}

func (r *Redis) Set(ctx context.Context, enabled bool, by string) error {
	data, err := r.encode(enabled, by)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	logChange(ctx, r.logger, enabled, by)
	return nil
}

func (r *Redis) encode(enabled bool, by string) ([]byte, error) {
	return json.Marshal(State{Enabled: enabled, ChangedBy: by, ChangedAt: r.clock().UTC()})
}

func logChange(ctx context.Context, l *slog.Logger, enabled bool, by string) {
	if enabled {
		l.InfoContext(ctx, "execution enabled", "changed_by", by)
		return
	}
	l.WarnContext(ctx, "execution disabled by kill switch", "changed_by", by)
}
