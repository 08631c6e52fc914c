package contracts

import (
	"fmt"
	"strings"
)

// RiskLevel is an ordered severity. The zero value is deliberately not NONE
// so that an unset level can be detected and failed closed.
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskOrder = map[RiskLevel]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank returns the ordinal of the level. Unknown levels rank as HIGH.
func (l RiskLevel) Rank() int {
	if r, ok := riskOrder[l]; ok {
		return r
	}
	return riskOrder[RiskHigh]
}

// Valid reports whether l is a known level.
func (l RiskLevel) Valid() bool {
	_, ok := riskOrder[l]
	return ok
}

// AtLeast reports whether l >= other.
func (l RiskLevel) AtLeast(other RiskLevel) bool { return l.Rank() >= other.Rank() }

// Exceeds reports whether l > other.
func (l RiskLevel) Exceeds(other RiskLevel) bool { return l.Rank() > other.Rank() }

// MaxRisk returns the more severe of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseRiskLevel accepts any case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// RiskFactor is one contribution to an assessment.
type RiskFactor struct {
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Likelihood  float64   `json:"likelihood"` // 0.0 - 1.0
	Impact      RiskLevel `json:"impact"`
	Uncertainty float64   `json:"uncertainty"` // 0.0 - 1.0
	Level       RiskLevel `json:"level"`
}

// RiskAssessment is produced fresh per request and never modified.
type RiskAssessment struct {
	AssessmentID              string       `json:"assessment_id"`
	RequestID                 string       `json:"request_id"`
	OverallLevel              RiskLevel    `json:"overall_level"`
	Factors                   []RiskFactor `json:"factors"`
	UncertaintyFlag           bool         `json:"uncertainty_flag"`
	RequiresSimulation        bool         `json:"requires_simulation"`
	RequiresHumanConfirmation bool         `json:"requires_human_confirmation"`
}
