// Package risk scores proposed actions.
//
// The overall level is the maximum over all factors, never an average. An
// assessment with no assessable data is HIGH with the uncertainty flag set;
// nothing here ever defaults to NONE.
package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// highUncertainty bumps a factor one level when its source is unsure.
const highUncertainty = 0.5

// FactorSource contributes risk factors for a request.
type FactorSource interface {
	Name() string
	Factors(ctx context.Context, req contracts.ExecutionRequest) ([]contracts.RiskFactor, error)
}

// Assessor aggregates FactorSources.
type Assessor struct {
	sources []FactorSource
	logger  *slog.Logger
	newID   func() string
}

// NewAssessor creates an Assessor over the given sources.
func NewAssessor(sources ...FactorSource) *Assessor {
	return &Assessor{
		sources: sources,
		logger:  slog.Default().With("component", "risk"),
		newID:   func() string { return "risk-" + uuid.NewString() },
	}
}

// WithLogger sets the logger.
func (a *Assessor) WithLogger(l *slog.Logger) *Assessor {
	a.logger = l
	return a
}

// DefaultAssessor wires the built-in sources.
func DefaultAssessor(classes map[string]contracts.RiskLevel) *Assessor {
	return NewAssessor(
		ReversibilitySource{},
		EnvironmentSource{Sensitive: []string{"production", "prod"}},
		ConfidenceSource{Threshold: 0.5},
		NewActionClassSource(classes),
	)
}

// Assess scores req. chain is the resolved authority chain and may be nil;
// when set, grant constraints feed the confirmation requirement. Assess
// never fails: a source error becomes a HIGH, uncertain factor.
func (a *Assessor) Assess(ctx context.Context, req contracts.ExecutionRequest, chain *contracts.AuthorityChain) contracts.RiskAssessment {
	out := contracts.RiskAssessment{
		AssessmentID: a.newID(),
		RequestID:    req.RequestID,
	}

	for _, src := range a.sources {
		fs, err := src.Factors(ctx, req)
		if err != nil {
			a.logger.WarnContext(ctx, "risk source failed", "source", src.Name(), "request_id", req.RequestID, "error", err)
			fs = []contracts.RiskFactor{{
				Category:    src.Name(),
				Description: fmt.Sprintf("source unavailable: %v", err),
				Likelihood:  1,
				Impact:      contracts.RiskHigh,
				Uncertainty: 1,
			}}
		}
		for _, f := range fs {
			out.Factors = append(out.Factors, normalizeFactor(f))
		}
	}

	out.OverallLevel, out.UncertaintyFlag = Aggregate(out.Factors)

	out.RequiresSimulation = out.OverallLevel.AtLeast(contracts.RiskHigh) ||
		req.Action.EstimatedReversibility == contracts.Irreversible ||
		req.Action.EstimatedReversibility == contracts.ReversibilityUnknown ||
		req.Action.EstimatedReversibility == ""

	out.RequiresHumanConfirmation = out.OverallLevel.AtLeast(contracts.RiskMedium) && !req.Context.DryRunPreferred
	if chain != nil && authority.RequiresConfirmation(*chain) {
		out.RequiresHumanConfirmation = true
	}
	return out
}

// Aggregate returns the maximum factor level and whether any factor was
// uncertain. No factors means HIGH and uncertain.
func Aggregate(factors []contracts.RiskFactor) (contracts.RiskLevel, bool) {
	if len(factors) == 0 {
		return contracts.RiskHigh, true
	}
	level := contracts.RiskNone
	uncertain := false
	for _, f := range factors {
		level = contracts.MaxRisk(level, f.Level)
		if f.Uncertainty >= highUncertainty {
			uncertain = true
		}
	}
	return level, uncertain
}

// normalizeFactor fills Level from Impact when unset. Unknown levels are
// HIGH, and highly uncertain factors are bumped one level.
func normalizeFactor(f contracts.RiskFactor) contracts.RiskFactor {
	if !f.Level.Valid() {
		f.Level = f.Impact
	}
	if !f.Level.Valid() {
		f.Level = contracts.RiskHigh
		f.Uncertainty = 1
	}
	if f.Uncertainty >= highUncertainty {
		f.Level = bump(f.Level)
	}
	return f
}

func bump(l contracts.RiskLevel) contracts.RiskLevel {
	switch l {
	case contracts.RiskNone:
		return contracts.RiskLow
	case contracts.RiskLow:
		return contracts.RiskMedium
	case contracts.RiskMedium:
		return contracts.RiskHigh
	default:
		return contracts.RiskCritical
	}
}
