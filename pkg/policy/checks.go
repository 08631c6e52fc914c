package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// FuncCheck adapts a Go function to Check.
type FuncCheck struct {
	CheckID    string
	CheckKind  contracts.PolicyKind
	IsRequired bool
	Fn         func(ctx context.Context, req contracts.ExecutionRequest) (contracts.CheckOutcome, string, error)
}

func (c FuncCheck) ID() string                 { return c.CheckID }
func (c FuncCheck) Kind() contracts.PolicyKind { return c.CheckKind }
func (c FuncCheck) Required() bool             { return c.IsRequired }

func (c FuncCheck) Evaluate(ctx context.Context, req contracts.ExecutionRequest) (contracts.CheckOutcome, string, error) {
	return c.Fn(ctx, req)
}

// RequireJustification fails requests with no stated reason or proposer.
func RequireJustification() Check {
	return FuncCheck{
		CheckID:    "operational.justification",
		CheckKind:  contracts.PolicyOperational,
		IsRequired: true,
		Fn: func(_ context.Context, req contracts.ExecutionRequest) (contracts.CheckOutcome, string, error) {
			j := req.Justification
			switch {
			case strings.TrimSpace(j.ProposedBy) == "":
				return contracts.CheckFail, "proposer missing", nil
			case strings.TrimSpace(j.Reason) == "":
				return contracts.CheckFail, "reason missing", nil
			case j.Confidence < 0 || j.Confidence > 1:
				return contracts.CheckFail, fmt.Sprintf("confidence %v out of range", j.Confidence), nil
			}
			return contracts.CheckPass, "", nil
		},
	}
}

// DenyActionTypes fails listed action types outright.
func DenyActionTypes(id string, kind contracts.PolicyKind, types ...string) Check {
	deny := make(map[string]bool, len(types))
	for _, t := range types {
		deny[strings.ToLower(t)] = true
	}
	return FuncCheck{
		CheckID:    id,
		CheckKind:  kind,
		IsRequired: true,
		Fn: func(_ context.Context, req contracts.ExecutionRequest) (contracts.CheckOutcome, string, error) {
			if deny[strings.ToLower(req.Action.Type)] {
				return contracts.CheckFail, "action type " + req.Action.Type + " is forbidden", nil
			}
			return contracts.CheckPass, "", nil
		},
	}
}
