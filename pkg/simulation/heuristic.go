package simulation

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// HeuristicSimulator projects outcomes from the request's own estimates:
// reversibility, justification confidence and the simulation scope.
type HeuristicSimulator struct{}

func (HeuristicSimulator) Name() string { return "heuristic" }

func (HeuristicSimulator) Simulate(ctx context.Context, req contracts.ExecutionRequest, scope contracts.RiskLevel) (Projection, error) {
	if err := ctx.Err(); err != nil {
		return Projection{}, err
	}

	a := req.Action
	irreversible := a.EstimatedReversibility != contracts.Reversible &&
		a.EstimatedReversibility != contracts.Compensable

	confidence := req.Justification.Confidence
	if confidence < 0 || confidence > 1 {
		confidence = 0
	}
	uncertainty := 1 - confidence
	if a.EstimatedReversibility == contracts.ReversibilityUnknown || a.EstimatedReversibility == "" {
		uncertainty = (uncertainty + 1) / 2
	}

	effect := a.Type
	if a.Target != "" {
		effect = fmt.Sprintf("%s on %s", a.Type, a.Target)
	}

	p := Projection{
		Outcomes: []contracts.ProjectedOutcome{
			{
				Description:  effect + " completes as intended",
				Probability:  confidence,
				Confidence:   confidence,
				SideEffects:  []string{effect},
				Irreversible: irreversible,
			},
			{
				Description:  effect + " fails or has unintended effects",
				Probability:  1 - confidence,
				Confidence:   confidence,
				Irreversible: irreversible,
			},
		},
		Uncertainty: uncertainty,
	}

	switch {
	case irreversible && scope.AtLeast(contracts.RiskCritical):
		p.Recommendation = contracts.RecommendAbort
	case irreversible && confidence < 0.5:
		p.Recommendation = contracts.RecommendRevise
	case confidence < 0.3:
		p.Recommendation = contracts.RecommendRevise
	default:
		p.Recommendation = contracts.RecommendProceed
	}
	return p, nil
}
