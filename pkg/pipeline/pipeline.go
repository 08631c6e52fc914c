// Package pipeline is the cognition boundary. It accepts ExecutionRequests,
// returns decisions, and routes SIMULATE, REQUEST_CONFIRMATION and APPROVE
// decisions to the simulation runner, the confirmation manager and the
// gateway. Decisions are held server side; callers refer to them by id.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/arbiter"
	"github.com/Mindburn-Labs/helm-gate/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gate/pkg/confirmation"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/gateway"
	"github.com/Mindburn-Labs/helm-gate/pkg/simulation"
)

var (
	// ErrUnknownDecision is returned when a decision id was never issued
	// here or has been pruned.
	ErrUnknownDecision = errors.New("pipeline: unknown decision")
	// ErrUnknownRequest is returned for a request id never submitted.
	ErrUnknownRequest = errors.New("pipeline: unknown request")
	// ErrRequestConflict means a request id was reused for a different request.
	ErrRequestConflict = errors.New("pipeline: request id reused with different content")
	// ErrNotSimulatable means the request's latest decision is not SIMULATE.
	ErrNotSimulatable = errors.New("pipeline: latest decision is not SIMULATE")
)

// DefaultRetention bounds how long submitted requests and their decisions
// are kept for execution.
const DefaultRetention = 24 * time.Hour

// Submission is the answer to Submit.
type Submission struct {
	Decision contracts.Decision `json:"-"`
	// Confirmation is set when the decision is REQUEST_CONFIRMATION.
	Confirmation *contracts.ConfirmationRequest `json:"confirmation,omitempty"`
}

type entry struct {
	req       contracts.ExecutionRequest
	digest    string
	latest    string
	decisions map[string]contracts.Decision
	touched   time.Time
}

// Pipeline wires the arbiter to its downstream consumers.
type Pipeline struct {
	arbiter       *arbiter.Arbiter
	simulations   *simulation.Runner
	confirmations *confirmation.Manager
	gateway       *gateway.Gateway

	mu         sync.RWMutex
	requests   map[string]*entry
	byDecision map[string]string
	retention  time.Duration

	clock  func() time.Time
	logger *slog.Logger
}

// New creates a Pipeline and connects the evidence sources: completed
// simulations and approved confirmations feed back into the arbiter, and
// the gateway consumes confirmations.
func New(a *arbiter.Arbiter, sims *simulation.Runner, confirmations *confirmation.Manager, gw *gateway.Gateway) *Pipeline {
	a.SetSimulationEvidence(sims.Store())
	a.SetConfirmationEvidence(confirmations)
	gw.SetConfirmations(confirmations)
	return &Pipeline{
		arbiter:       a,
		simulations:   sims,
		confirmations: confirmations,
		gateway:       gw,
		requests:      make(map[string]*entry),
		byDecision:    make(map[string]string),
		retention:     DefaultRetention,
		clock:         time.Now,
		logger:        slog.Default().With("component", "pipeline"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(l *slog.Logger) *Pipeline {
	p.logger = l
	return p
}

// WithRetention sets how long requests are kept after their last use.
func (p *Pipeline) WithRetention(d time.Duration) *Pipeline {
	if d > 0 {
		p.retention = d
	}
	return p
}

// Submit evaluates req. Re-submitting the same request (same id, same
// content) re-evaluates it against current evidence; reusing the id for a
// different request is rejected.
func (p *Pipeline) Submit(ctx context.Context, req contracts.ExecutionRequest) (Submission, error) {
	digest, err := canonicalize.CanonicalHash(req)
	if err != nil {
		return Submission{}, fmt.Errorf("digest request: %w", err)
	}
	if req.RequestID != "" {
		p.mu.RLock()
		e, ok := p.requests[req.RequestID]
		p.mu.RUnlock()
		if ok && e.digest != digest {
			return Submission{}, fmt.Errorf("%w: %s", ErrRequestConflict, req.RequestID)
		}
	}

	d := p.arbiter.Decide(ctx, req)
	sub := Submission{Decision: d}

	if rc, ok := d.(*contracts.RequestConfirmationDecision); ok {
		c, err := p.confirmations.Issue(ctx, req, rc)
		if err != nil {
			return Submission{}, fmt.Errorf("issue confirmation: %w", err)
		}
		sub.Confirmation = &c
	}

	if req.RequestID != "" {
		if err := p.remember(req, digest, d); err != nil {
			return Submission{}, err
		}
	}
	return sub, nil
}

func (p *Pipeline) remember(req contracts.ExecutionRequest, digest string, d contracts.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	p.pruneLocked(now)

	e, ok := p.requests[req.RequestID]
	if !ok {
		e = &entry{req: req, digest: digest, decisions: make(map[string]contracts.Decision)}
		p.requests[req.RequestID] = e
	} else if e.digest != digest {
		return fmt.Errorf("%w: %s", ErrRequestConflict, req.RequestID)
	}
	id := d.Header().DecisionID
	e.decisions[id] = d
	e.latest = id
	e.touched = now
	p.byDecision[id] = req.RequestID
	return nil
}

// pruneLocked drops requests idle for longer than the retention. Caller
// holds mu.
func (p *Pipeline) pruneLocked(now time.Time) {
	for id, e := range p.requests {
		if now.Sub(e.touched) <= p.retention {
			continue
		}
		for did := range e.decisions {
			delete(p.byDecision, did)
		}
		delete(p.requests, id)
	}
}

// Decision returns an issued decision and its request.
func (p *Pipeline) Decision(decisionID string) (contracts.ExecutionRequest, contracts.Decision, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rid, ok := p.byDecision[decisionID]
	if !ok {
		return contracts.ExecutionRequest{}, nil, fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	e := p.requests[rid]
	return e.req, e.decisions[decisionID], nil
}

// Latest returns the request and its most recent decision.
func (p *Pipeline) Latest(requestID string) (contracts.ExecutionRequest, contracts.Decision, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.requests[requestID]
	if !ok {
		return contracts.ExecutionRequest{}, nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return e.req, e.decisions[e.latest], nil
}

// Simulate runs the simulation asked for by the request's latest decision.
// The result is advisory; re-submit the request to act on it.
func (p *Pipeline) Simulate(ctx context.Context, requestID string) (contracts.SimulationResult, error) {
	req, d, err := p.Latest(requestID)
	if err != nil {
		return contracts.SimulationResult{}, err
	}
	sd, ok := d.(*contracts.SimulateDecision)
	if !ok {
		return contracts.SimulationResult{}, fmt.Errorf("%w: %s is %s", ErrNotSimulatable, requestID, d.Kind())
	}
	return p.simulations.Run(ctx, req, sd)
}

// Confirm records a human response. The responder must already be
// authenticated by the caller.
func (p *Pipeline) Confirm(ctx context.Context, resp contracts.ConfirmationResponse) (contracts.ConfirmationRequest, error) {
	return p.confirmations.Respond(ctx, resp)
}

// Execute hands an issued decision to the gateway. Only decisions issued by
// this pipeline can be executed; the gateway writes the receipt.
func (p *Pipeline) Execute(ctx context.Context, decisionID string) (gateway.Attempt, error) {
	req, d, err := p.Decision(decisionID)
	if err != nil {
		return gateway.Attempt{}, err
	}

	p.mu.Lock()
	if e, ok := p.requests[req.RequestID]; ok {
		e.touched = p.clock()
	}
	p.mu.Unlock()

	att, err := p.gateway.Execute(ctx, req, d)
	if err != nil {
		p.logger.ErrorContext(ctx, "execution failed without receipt",
			"request_id", req.RequestID, "decision_id", decisionID, "error", err)
		return gateway.Attempt{}, err
	}
	return att, nil
}

// Pending returns the number of tracked requests.
func (p *Pipeline) Pending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.requests)
}
