// Package contracts defines the value types exchanged by the execution
// governance pipeline: requests proposed by cognition, authority grants,
// risk assessments, policy traces, decisions, confirmations, simulations
// and execution receipts.
//
// All types are plain values. Once constructed by their producer they are
// treated as immutable; re-evaluation produces new values.
package contracts

import "time"

// Reversibility is cognition's estimate of whether an action can be undone.
type Reversibility string

const (
	Reversible   Reversibility = "REVERSIBLE"
	Compensable  Reversibility = "COMPENSABLE"
	Irreversible Reversibility = "IRREVERSIBLE"
	// ReversibilityUnknown is treated like IRREVERSIBLE by the risk assessor.
	ReversibilityUnknown Reversibility = "UNKNOWN"
)

// ActionDescriptor names the side effect an agent wants to perform.
type ActionDescriptor struct {
	Type                   string         `json:"type"`
	Target                 string         `json:"target,omitempty"`
	Parameters             map[string]any `json:"parameters,omitempty"`
	EstimatedReversibility Reversibility  `json:"estimated_reversibility"`
}

// Justification records who proposed the action and why.
type Justification struct {
	ProposedBy string  `json:"proposed_by"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
}

// AuthorityRef is the grant the requester claims to act under, plus the
// already-authenticated holder presenting it.
type AuthorityRef struct {
	GrantID string          `json:"grant_id"`
	Holder  AuthorityHolder `json:"holder"`
}

// RequestContext carries environmental hints from cognition.
type RequestContext struct {
	Environment     string    `json:"environment"`
	RiskTolerance   RiskLevel `json:"risk_tolerance,omitempty"`
	DryRunPreferred bool      `json:"dry_run_preferred"`
	SessionID       string    `json:"session_id,omitempty"`
}

// ExecutionRequest is a proposed action. It is never mutated after creation.
type ExecutionRequest struct {
	RequestID     string           `json:"request_id"`
	Action        ActionDescriptor `json:"action"`
	Justification Justification    `json:"justification"`
	Authority     AuthorityRef     `json:"authority"`
	Context       RequestContext   `json:"context"`
	RequestedAt   time.Time        `json:"requested_at"`
}

// CloneParameters returns a deep copy of the action parameters so adapters
// and evaluators cannot alias the request's map.
func (r ExecutionRequest) CloneParameters() map[string]any {
	return cloneMap(r.Action.Parameters)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	default:
		return v
	}
}
