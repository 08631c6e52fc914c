package contracts

import "time"

// Recommendation is the simulator's advice. It never triggers execution.
type Recommendation string

const (
	RecommendProceed Recommendation = "PROCEED"
	RecommendRevise  Recommendation = "REVISE"
	RecommendAbort   Recommendation = "ABORT"
)

// ProjectedOutcome is one possible consequence of an action.
type ProjectedOutcome struct {
	Description  string   `json:"description"`
	Probability  float64  `json:"probability"`
	Confidence   float64  `json:"confidence"`
	SideEffects  []string `json:"side_effects,omitempty"`
	Irreversible bool     `json:"irreversible"`
}

// SimulationResult is advisory only.
type SimulationResult struct {
	SimulationID     string             `json:"simulation_id"`
	RequestID        string             `json:"request_id"`
	DecisionID       string             `json:"decision_id,omitempty"`
	Simulator        string             `json:"simulator"`
	Scope            RiskLevel          `json:"scope"`
	Outcomes         []ProjectedOutcome `json:"outcomes"`
	Recommendation   Recommendation     `json:"recommendation"`
	UncertaintyLevel float64            `json:"uncertainty_level"`
	CompletedAt      time.Time          `json:"completed_at"`
}
