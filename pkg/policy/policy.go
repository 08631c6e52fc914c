// Package policy runs an ordered list of named checks against a request and
// produces a sealed, auditable trace.
//
// Evaluation is fail-closed:
//   - the first FAIL of a required check short-circuits to DENY
//   - a required check that cannot answer is UNKNOWN, which also blocks
//     (overall REQUIRES_REVIEW)
//   - failures of non-required checks are recorded as WARN and do not block
package policy

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Check is one named policy check.
type Check interface {
	ID() string
	Kind() contracts.PolicyKind
	Required() bool
	// Evaluate returns PASS, FAIL or WARN with a rationale. An error means
	// the check could not decide and is recorded as UNKNOWN.
	Evaluate(ctx context.Context, req contracts.ExecutionRequest) (contracts.CheckOutcome, string, error)
}

// Result is the evaluate() contract plus the full trace.
type Result struct {
	Allowed bool
	// Reason is the id of the check that blocked, empty when allowed.
	Reason string
	Trace  contracts.PolicyEvaluationTrace
}

// Provider is what the arbiter depends on. A non-nil error means policy was
// unavailable, not that it denied.
type Provider interface {
	Evaluate(ctx context.Context, req contracts.ExecutionRequest) (Result, error)
}

// Evaluator runs checks in order.
type Evaluator struct {
	checks []Check
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator over the given checks, evaluated in order.
func NewEvaluator(checks ...Check) *Evaluator {
	return &Evaluator{
		checks: checks,
		logger: slog.Default().With("component", "policy"),
	}
}

// WithLogger sets the logger.
func (e *Evaluator) WithLogger(l *slog.Logger) *Evaluator {
	e.logger = l
	return e
}

// Evaluate runs the checks. The only error it returns is ctx's, when the
// context ends before evaluation completes.
func (e *Evaluator) Evaluate(ctx context.Context, req contracts.ExecutionRequest) (Result, error) {
	tb := newTraceBuilder(req.RequestID)

	for _, c := range e.checks {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		outcome, rationale, err := c.Evaluate(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			e.logger.WarnContext(ctx, "policy check could not decide",
				"request_id", req.RequestID, "policy_id", c.ID(), "error", err)
			outcome, rationale = contracts.CheckUnknown, err.Error()
		}

		row := contracts.PolicyCheckResult{
			PolicyID:  c.ID(),
			Kind:      c.Kind(),
			Outcome:   outcome,
			Required:  c.Required(),
			Rationale: rationale,
		}

		switch {
		case c.Required() && outcome == contracts.CheckFail:
			tb.append(row)
			return e.block(ctx, tb, contracts.PolicyDeny, c.ID())
		case c.Required() && outcome != contracts.CheckPass && outcome != contracts.CheckWarn:
			// UNKNOWN, or anything unrecognised.
			row.Outcome = contracts.CheckUnknown
			tb.append(row)
			return e.block(ctx, tb, contracts.PolicyRequiresReview, c.ID())
		case !c.Required() && outcome != contracts.CheckPass:
			row.Outcome = contracts.CheckWarn
			if outcome != contracts.CheckWarn {
				row.Rationale = string(outcome) + ": " + rationale
			}
		}
		tb.append(row)
	}

	trace, err := tb.seal(contracts.PolicyAllow)
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: true, Trace: trace}, nil
}

func (e *Evaluator) block(ctx context.Context, tb *traceBuilder, outcome contracts.PolicyOutcome, id string) (Result, error) {
	trace, err := tb.seal(outcome)
	if err != nil {
		return Result{}, err
	}
	e.logger.InfoContext(ctx, "policy blocked request",
		"request_id", trace.RequestID, "policy_id", id, "outcome", outcome)
	return Result{Allowed: false, Reason: id, Trace: trace}, nil
}
