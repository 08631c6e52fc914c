//go:build property
// +build property

package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/policy"
	"github.com/Mindburn-Labs/helm-gate/pkg/risk"
)

var propReversibility = []contracts.Reversibility{
	contracts.Reversible,
	contracts.Compensable,
	contracts.Irreversible,
	contracts.ReversibilityUnknown,
	"",
}

var propEnvironments = []string{"staging", "production", ""}

func propArbiter() *Arbiter {
	grants := authority.NewMemoryGrantStore(testGrant())
	checker := authority.NewChecker(grants, nil).WithClock(func() time.Time { return testNow })
	return New(policy.NewEvaluator(policy.RequireJustification()), checker, risk.DefaultAssessor(nil)).
		WithClock(func() time.Time { return testNow })
}

// TestIrreversibleNeverApprovedWithoutSimulation checks that no combination
// of request hints gets an irreversible action approved when no simulation
// has been recorded.
func TestIrreversibleNeverApprovedWithoutSimulation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	a := propArbiter()

	properties.Property("irreversible actions are never approved directly", prop.ForAll(
		func(rev int, dryRun bool, confidence float64) bool {
			req := testRequest()
			req.Action.EstimatedReversibility = propReversibility[rev]
			req.Context.DryRunPreferred = dryRun
			req.Justification.Confidence = confidence
			if req.Action.EstimatedReversibility == contracts.Reversible ||
				req.Action.EstimatedReversibility == contracts.Compensable {
				return true
			}
			return a.Decide(context.Background(), req).Kind() != contracts.KindApprove
		},
		gen.IntRange(0, len(propReversibility)-1),
		gen.Bool(),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestDecisionKindIsStable checks that the same request evaluated twice
// against unchanged state yields the same decision kind.
func TestDecisionKindIsStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	a := propArbiter()

	properties.Property("decision kind is deterministic", prop.ForAll(
		func(rev int, dryRun bool, env int) bool {
			req := testRequest()
			req.Action.EstimatedReversibility = propReversibility[rev]
			req.Context.DryRunPreferred = dryRun
			req.Context.Environment = propEnvironments[env]
			d1 := a.Decide(context.Background(), req)
			d2 := a.Decide(context.Background(), req)
			return d1.Kind() == d2.Kind()
		},
		gen.IntRange(0, len(propReversibility)-1),
		gen.Bool(),
		gen.IntRange(0, len(propEnvironments)-1),
	))

	properties.TestingRun(t)
}
