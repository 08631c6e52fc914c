package risk

import (
	"context"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// ReversibilitySource scores cognition's reversibility estimate.
type ReversibilitySource struct{}

func (ReversibilitySource) Name() string { return "reversibility" }

func (ReversibilitySource) Factors(_ context.Context, req contracts.ExecutionRequest) ([]contracts.RiskFactor, error) {
	f := contracts.RiskFactor{Category: "reversibility", Likelihood: 1}
	switch req.Action.EstimatedReversibility {
	case contracts.Reversible:
		f.Impact = contracts.RiskLow
	case contracts.Compensable:
		f.Impact = contracts.RiskMedium
	case contracts.Irreversible:
		f.Impact = contracts.RiskHigh
	default:
		f.Impact = contracts.RiskHigh
		f.Uncertainty = 1
		f.Description = "reversibility not estimated"
	}
	return []contracts.RiskFactor{f}, nil
}

// EnvironmentSource raises risk for sensitive environments.
type EnvironmentSource struct {
	Sensitive []string
}

func (EnvironmentSource) Name() string { return "environment" }

func (s EnvironmentSource) Factors(_ context.Context, req contracts.ExecutionRequest) ([]contracts.RiskFactor, error) {
	env := strings.ToLower(req.Context.Environment)
	if env == "" {
		return []contracts.RiskFactor{{Category: "environment", Impact: contracts.RiskHigh, Uncertainty: 1, Description: "environment unknown"}}, nil
	}
	for _, sensitive := range s.Sensitive {
		if env == strings.ToLower(sensitive) {
			return []contracts.RiskFactor{{Category: "environment", Likelihood: 1, Impact: contracts.RiskMedium, Description: env}}, nil
		}
	}
	return []contracts.RiskFactor{{Category: "environment", Likelihood: 1, Impact: contracts.RiskLow, Description: env}}, nil
}

// ConfidenceSource raises risk when cognition is unsure of its own proposal.
type ConfidenceSource struct {
	Threshold float64
}

func (ConfidenceSource) Name() string { return "confidence" }

func (s ConfidenceSource) Factors(_ context.Context, req contracts.ExecutionRequest) ([]contracts.RiskFactor, error) {
	c := req.Justification.Confidence
	if c >= s.Threshold {
		return nil, nil
	}
	return []contracts.RiskFactor{{
		Category:    "confidence",
		Likelihood:  1 - c,
		Impact:      contracts.RiskMedium,
		Description: "proposer confidence below threshold",
	}}, nil
}

// ActionClassSource assigns a fixed impact per action type, in the manner of
// effect classes. Patterns are exact or end in ".*". The longest matching
// pattern wins; unmatched types contribute nothing.
type ActionClassSource struct {
	patterns []string
	classes  map[string]contracts.RiskLevel
}

func NewActionClassSource(classes map[string]contracts.RiskLevel) *ActionClassSource {
	s := &ActionClassSource{classes: make(map[string]contracts.RiskLevel, len(classes))}
	for p, l := range classes {
		p = strings.ToLower(p)
		s.patterns = append(s.patterns, p)
		s.classes[p] = l
	}
	sort.Slice(s.patterns, func(i, j int) bool {
		a, b := s.patterns[i], s.patterns[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		// Exact before wildcard, then lexical, so ties resolve the same way every run.
		if wa, wb := strings.HasSuffix(a, ".*"), strings.HasSuffix(b, ".*"); wa != wb {
			return !wa
		}
		return a < b
	})
	return s
}

func (*ActionClassSource) Name() string { return "action_class" }

func (s *ActionClassSource) Factors(_ context.Context, req contracts.ExecutionRequest) ([]contracts.RiskFactor, error) {
	t := strings.ToLower(req.Action.Type)
	for _, p := range s.patterns {
		if p == t || (strings.HasSuffix(p, ".*") && strings.HasPrefix(t, strings.TrimSuffix(p, "*"))) {
			return []contracts.RiskFactor{{Category: "action_class", Likelihood: 1, Impact: s.classes[p], Description: p}}, nil
		}
	}
	return nil, nil
}
