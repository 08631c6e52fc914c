// Package confirmation implements the human confirmation protocol.
//
// A ConfirmationRequest is bound to one ExecutionRequest (by request id),
// one action and one scope, and has a hard expiry. It accepts exactly one
// response. An approval can be consumed by at most one execution.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

var (
	ErrNotFound       = errors.New("confirmation: not found")
	ErrExpired        = errors.New("confirmation: expired")
	ErrReplayed       = errors.New("confirmation: already answered or consumed")
	ErrScopeExceeded  = errors.New("confirmation: response exceeds requested scope")
	ErrMismatch       = errors.New("confirmation: response does not match request")
	ErrNotApproved    = errors.New("confirmation: not approved")
	ErrResponderType  = errors.New("confirmation: responder type not accepted")
	ErrInvalidMode    = errors.New("confirmation: unknown response mode")
	ErrNotActionScope = errors.New("confirmation: scope does not cover the action")
	// ErrDenied is returned by Issue for a request a human already refused.
	ErrDenied = errors.New("confirmation: request was denied")
)

// DefaultTTL is how long a confirmation stays answerable when no TTL is set.
const DefaultTTL = 5 * time.Minute

// Manager tracks confirmation requests through their lifecycle.
type Manager struct {
	mu        sync.Mutex
	byID      map[string]*contracts.ConfirmationRequest
	byRequest map[string]string // request id -> latest confirmation id
	denied    map[string]string // request id -> denying confirmation id
	ttl       time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewManager creates a confirmation manager. ttl <= 0 uses DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		byID:      make(map[string]*contracts.ConfirmationRequest),
		byRequest: make(map[string]string),
		denied:    make(map[string]string),
		ttl:       ttl,
		clock:     time.Now,
		logger:    slog.Default().With("component", "confirmation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Issue creates a confirmation request for a REQUEST_CONFIRMATION decision.
// If the request already has an open (pending or approved, unexpired)
// confirmation, that one is returned instead of issuing a second. A request
// a human denied is never asked about again.
func (m *Manager) Issue(ctx context.Context, req contracts.ExecutionRequest, d *contracts.RequestConfirmationDecision) (contracts.ConfirmationRequest, error) {
	if d == nil || d.RequestID != req.RequestID {
		return contracts.ConfirmationRequest{}, fmt.Errorf("%w: decision is not for request %s", ErrMismatch, req.RequestID)
	}
	if !authority.ScopeCovers(d.Scope, req.Action.Type, req.Context.Environment, req.Action.Target) {
		return contracts.ConfirmationRequest{}, ErrNotActionScope
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if id, ok := m.denied[req.RequestID]; ok {
		return contracts.ConfirmationRequest{}, fmt.Errorf("%w: %s by confirmation %s", ErrDenied, req.RequestID, id)
	}
	if id, ok := m.byRequest[req.RequestID]; ok {
		c := m.byID[id]
		open := c.Status == contracts.ConfirmationPending || c.Status == contracts.ConfirmationApproved
		if open && now.Before(c.ExpiresAt) {
			return copyRequest(c), nil
		}
	}

	action := req.Action
	action.Parameters = req.CloneParameters()
	c := &contracts.ConfirmationRequest{
		ConfirmationID: "conf-" + uuid.NewString(),
		RequestID:      req.RequestID,
		DecisionID:     d.DecisionID,
		TargetAction:   action,
		Scope:          d.Scope,
		RequiredFrom:   d.ConfirmationRequiredFrom,
		IssuedAt:       now,
		ExpiresAt:      now.Add(m.ttl),
		Status:         contracts.ConfirmationPending,
	}
	m.byID[c.ConfirmationID] = c
	m.byRequest[c.RequestID] = c.ConfirmationID

	m.logger.InfoContext(ctx, "confirmation issued",
		"confirmation_id", c.ConfirmationID,
		"request_id", c.RequestID,
		"required_from", c.RequiredFrom,
		"expires_at", c.ExpiresAt,
	)
	return copyRequest(c), nil
}

// Respond records the single response to a confirmation. The response time
// is the manager's clock, not the caller's. A rejected response leaves the
// request answerable, except when it arrives after expiry.
func (m *Manager) Respond(ctx context.Context, resp contracts.ConfirmationResponse) (contracts.ConfirmationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(resp.ConfirmationID, resp.RequestID)
	if err != nil {
		return contracts.ConfirmationRequest{}, err
	}
	if resp.RequestID != c.RequestID {
		return contracts.ConfirmationRequest{}, fmt.Errorf("%w: request id %q", ErrMismatch, resp.RequestID)
	}

	now := m.clock()
	switch c.Status {
	case contracts.ConfirmationPending:
	case contracts.ConfirmationExpired:
		return contracts.ConfirmationRequest{}, ErrExpired
	default:
		m.logger.WarnContext(ctx, "confirmation replay rejected",
			"confirmation_id", c.ConfirmationID, "request_id", c.RequestID, "status", c.Status)
		return contracts.ConfirmationRequest{}, ErrReplayed
	}
	if !now.Before(c.ExpiresAt) {
		c.Status = contracts.ConfirmationExpired
		m.logger.InfoContext(ctx, "late confirmation response rejected",
			"confirmation_id", c.ConfirmationID, "request_id", c.RequestID)
		return contracts.ConfirmationRequest{}, ErrExpired
	}

	if resp.Responder.Type != c.RequiredFrom || resp.Responder.ID == "" {
		return contracts.ConfirmationRequest{}, fmt.Errorf("%w: %s", ErrResponderType, resp.Responder)
	}
	if resp.Mode != contracts.ModeDeny && !resp.Mode.Approves() {
		return contracts.ConfirmationRequest{}, fmt.Errorf("%w: %q", ErrInvalidMode, resp.Mode)
	}
	if resp.Scope != nil && !authority.ScopeContains(c.Scope, *resp.Scope) {
		return contracts.ConfirmationRequest{}, ErrScopeExceeded
	}

	resp.ConfirmationID = c.ConfirmationID
	resp.RespondedAt = now
	c.Response = &resp
	if resp.Mode.Approves() {
		c.Status = contracts.ConfirmationApproved
	} else {
		c.Status = contracts.ConfirmationDenied
		m.denied[c.RequestID] = c.ConfirmationID
	}

	if resp.Mode == contracts.ModeEmergencyOverride {
		m.logger.WarnContext(ctx, "confirmation granted by emergency override",
			"confirmation_id", c.ConfirmationID,
			"request_id", c.RequestID,
			"responder", resp.Responder.String(),
			"mode", resp.Mode,
			"reason", resp.Reason,
		)
	} else {
		m.logger.InfoContext(ctx, "confirmation answered",
			"confirmation_id", c.ConfirmationID,
			"request_id", c.RequestID,
			"responder", resp.Responder.String(),
			"mode", resp.Mode,
		)
	}
	return copyRequest(c), nil
}

// Approved returns the approved, unconsumed confirmation for requestID that
// is still inside its window at now, or nil.
func (m *Manager) Approved(_ context.Context, requestID string, now time.Time) (*contracts.ConfirmationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRequest[requestID]
	if !ok {
		return nil, nil
	}
	c := m.byID[id]
	if c.Status != contracts.ConfirmationApproved || !now.Before(c.ExpiresAt) {
		return nil, nil
	}
	out := copyRequest(c)
	return &out, nil
}

// Denied returns the confirmation a human answered DENY for requestID, or
// nil. A denial does not expire.
func (m *Manager) Denied(_ context.Context, requestID string) (*contracts.ConfirmationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.denied[requestID]
	if !ok {
		return nil, nil
	}
	out := copyRequest(m.byID[id])
	return &out, nil
}

// Consume binds an approved confirmation to one execution. It succeeds at
// most once per confirmation.
func (m *Manager) Consume(ctx context.Context, confirmationID, requestID, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byID[confirmationID]
	if !ok {
		return ErrNotFound
	}
	if c.RequestID != requestID {
		return fmt.Errorf("%w: confirmation %s belongs to %s", ErrMismatch, confirmationID, c.RequestID)
	}

	now := m.clock()
	switch c.Status {
	case contracts.ConfirmationApproved:
	case contracts.ConfirmationConsumed:
		return ErrReplayed
	case contracts.ConfirmationExpired:
		return ErrExpired
	default:
		return ErrNotApproved
	}
	if !now.Before(c.ExpiresAt) {
		c.Status = contracts.ConfirmationExpired
		return ErrExpired
	}

	c.Status = contracts.ConfirmationConsumed
	c.ConsumedAt = &now
	m.logger.InfoContext(ctx, "confirmation consumed",
		"confirmation_id", confirmationID, "request_id", requestID, "execution_id", executionID)
	return nil
}

// Expire marks every pending or approved confirmation whose window has
// closed at now as EXPIRED and returns them.
func (m *Manager) Expire(ctx context.Context, now time.Time) []contracts.ConfirmationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []contracts.ConfirmationRequest
	for _, c := range m.byID {
		if c.Status != contracts.ConfirmationPending && c.Status != contracts.ConfirmationApproved {
			continue
		}
		if now.Before(c.ExpiresAt) {
			continue
		}
		c.Status = contracts.ConfirmationExpired
		expired = append(expired, copyRequest(c))
	}
	if len(expired) > 0 {
		m.logger.InfoContext(ctx, "confirmations expired", "count", len(expired))
	}
	return expired
}

// RunSweeper calls Expire every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Expire(ctx, m.clock())
		}
	}
}

// Get returns a confirmation by id.
func (m *Manager) Get(confirmationID string) (contracts.ConfirmationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byID[confirmationID]
	if !ok {
		return contracts.ConfirmationRequest{}, ErrNotFound
	}
	return copyRequest(c), nil
}

// PendingCount returns the number of unanswered confirmations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.byID {
		if c.Status == contracts.ConfirmationPending {
			n++
		}
	}
	return n
}

// lookup resolves by confirmation id, falling back to the request's latest
// confirmation when no id is given. Caller holds mu.
func (m *Manager) lookup(confirmationID, requestID string) (*contracts.ConfirmationRequest, error) {
	if confirmationID == "" {
		id, ok := m.byRequest[requestID]
		if !ok {
			return nil, ErrNotFound
		}
		confirmationID = id
	}
	c, ok := m.byID[confirmationID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func copyRequest(c *contracts.ConfirmationRequest) contracts.ConfirmationRequest {
	out := *c
	if c.Response != nil {
		r := *c.Response
		out.Response = &r
	}
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	return out
}
