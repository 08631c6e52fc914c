// Package simulation produces advisory projections of what an action would
// do. Nothing here performs the action or persists real-world state; a
// result only ever feeds back into the arbiter as evidence.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/observability"
)

// MaxProceedUncertainty is the highest uncertainty at which a PROCEED
// recommendation is accepted as-is. Above it the runner downgrades to REVISE.
const MaxProceedUncertainty = 0.9

// Projection is what a Simulator returns.
type Projection struct {
	Outcomes       []contracts.ProjectedOutcome `json:"outcomes"`
	Recommendation contracts.Recommendation     `json:"recommendation"`
	Uncertainty    float64                      `json:"uncertainty"`
}

// Simulator explores the consequences of a request at a given risk scope.
type Simulator interface {
	Name() string
	Simulate(ctx context.Context, req contracts.ExecutionRequest, scope contracts.RiskLevel) (Projection, error)
}

// Store keeps completed results as arbiter evidence.
type Store interface {
	Put(ctx context.Context, r contracts.SimulationResult) error
	Latest(ctx context.Context, requestID string) (*contracts.SimulationResult, error)
}

// Runner executes SIMULATE decisions.
type Runner struct {
	sim    Simulator
	store  Store
	clock  func() time.Time
	newID  func() string
	obs    *observability.Provider
	logger *slog.Logger
}

// NewRunner creates a Runner. A nil store keeps results in memory.
func NewRunner(sim Simulator, store Store) *Runner {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Runner{
		sim:    sim,
		store:  store,
		clock:  time.Now,
		newID:  func() string { return "sim-" + uuid.NewString() },
		logger: slog.Default().With("component", "simulation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// WithObservability records spans on p.
func (r *Runner) WithObservability(p *observability.Provider) *Runner {
	r.obs = p
	return r
}

// Store returns the evidence store.
func (r *Runner) Store() Store {
	return r.store
}

// Run simulates req under d and records the result. A simulator error
// records nothing; the request stays in SIMULATE until a run succeeds.
func (r *Runner) Run(ctx context.Context, req contracts.ExecutionRequest, d *contracts.SimulateDecision) (res contracts.SimulationResult, err error) {
	if d == nil || d.RequestID != req.RequestID {
		return contracts.SimulationResult{}, errors.New("simulation: decision is not a SIMULATE for this request")
	}

	ctx, done := r.obs.TrackOperation(ctx, "simulation.run",
		observability.AttrRequestID.String(req.RequestID),
		observability.AttrRiskLevel.String(string(d.SimulationScope)),
	)
	defer func() { done(err) }()

	p, err := r.sim.Simulate(ctx, req, d.SimulationScope)
	if err != nil {
		r.logger.WarnContext(ctx, "simulation failed", "request_id", req.RequestID, "simulator", r.sim.Name(), "error", err)
		return contracts.SimulationResult{}, fmt.Errorf("simulate %s: %w", req.RequestID, err)
	}
	if err := validate(p); err != nil {
		return contracts.SimulationResult{}, fmt.Errorf("simulator %s: %w", r.sim.Name(), err)
	}

	if p.Recommendation == contracts.RecommendProceed && p.Uncertainty > MaxProceedUncertainty {
		p.Recommendation = contracts.RecommendRevise
	}

	res = contracts.SimulationResult{
		SimulationID:     r.newID(),
		RequestID:        req.RequestID,
		DecisionID:       d.DecisionID,
		Simulator:        r.sim.Name(),
		Scope:            d.SimulationScope,
		Outcomes:         p.Outcomes,
		Recommendation:   p.Recommendation,
		UncertaintyLevel: p.Uncertainty,
		CompletedAt:      r.clock(),
	}
	if err := r.store.Put(ctx, res); err != nil {
		return contracts.SimulationResult{}, fmt.Errorf("store simulation: %w", err)
	}

	r.logger.InfoContext(ctx, "simulation completed",
		"request_id", req.RequestID,
		"simulation_id", res.SimulationID,
		"recommendation", res.Recommendation,
		"uncertainty", res.UncertaintyLevel,
	)
	return res, nil
}

func validate(p Projection) error {
	switch p.Recommendation {
	case contracts.RecommendProceed, contracts.RecommendRevise, contracts.RecommendAbort:
	default:
		return fmt.Errorf("unknown recommendation %q", p.Recommendation)
	}
	if p.Uncertainty < 0 || p.Uncertainty > 1 {
		return fmt.Errorf("uncertainty %v out of range", p.Uncertainty)
	}
	for i, o := range p.Outcomes {
		if o.Probability < 0 || o.Probability > 1 || o.Confidence < 0 || o.Confidence > 1 {
			return fmt.Errorf("outcome %d: probability and confidence must be within [0,1]", i)
		}
	}
	return nil
}
