// Package authority resolves authority grants, walks their delegation
// chains and decides whether a request is inside a grant's bounds.
//
// Checks are read-only. Consumption of ONE_TIME_USE grants and revocation
// are separate operations with their own stores.
package authority

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

var (
	// ErrGrantNotFound is returned when a grant id does not resolve.
	ErrGrantNotFound = errors.New("authority: grant not found")
	// ErrNotRevocable is returned when revoking a grant with revocable=false.
	ErrNotRevocable = errors.New("authority: grant is not revocable")
	// ErrGrantExists is returned when putting a grant id twice.
	ErrGrantExists = errors.New("authority: grant already exists")
)

// GrantStore is the read side used by checks.
type GrantStore interface {
	Get(ctx context.Context, grantID string) (contracts.AuthorityGrant, error)
	// RevokedAt returns nil when the grant has not been revoked.
	RevokedAt(ctx context.Context, grantID string) (*time.Time, error)
}

// GrantWriter is the explicitly authorized write side.
type GrantWriter interface {
	Put(ctx context.Context, g contracts.AuthorityGrant) error
	Revoke(ctx context.Context, grantID string, at time.Time) error
}

// MemoryGrantStore is an in-process GrantStore.
type MemoryGrantStore struct {
	mu      sync.RWMutex
	grants  map[string]contracts.AuthorityGrant
	revoked map[string]time.Time
}

func NewMemoryGrantStore(grants ...contracts.AuthorityGrant) *MemoryGrantStore {
	s := &MemoryGrantStore{
		grants:  make(map[string]contracts.AuthorityGrant, len(grants)),
		revoked: make(map[string]time.Time),
	}
	for _, g := range grants {
		s.grants[g.GrantID] = g
	}
	return s
}

func (s *MemoryGrantStore) Get(_ context.Context, grantID string) (contracts.AuthorityGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantID]
	if !ok {
		return contracts.AuthorityGrant{}, ErrGrantNotFound
	}
	return g, nil
}

func (s *MemoryGrantStore) RevokedAt(_ context.Context, grantID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.revoked[grantID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func (s *MemoryGrantStore) Put(_ context.Context, g contracts.AuthorityGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.GrantID]; ok {
		return ErrGrantExists
	}
	s.grants[g.GrantID] = g
	return nil
}

func (s *MemoryGrantStore) Revoke(_ context.Context, grantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	if !g.Revocable {
		return ErrNotRevocable
	}
	if _, done := s.revoked[grantID]; !done {
		s.revoked[grantID] = at
	}
	return nil
}
