package contracts

// PolicyKind groups checks by concern.
type PolicyKind string

const (
	PolicySafety      PolicyKind = "SAFETY"
	PolicySecurity    PolicyKind = "SECURITY"
	PolicyLegal       PolicyKind = "LEGAL"
	PolicyEthical     PolicyKind = "ETHICAL"
	PolicyOperational PolicyKind = "OPERATIONAL"
)

// CheckOutcome is the result of one named check.
type CheckOutcome string

const (
	CheckPass    CheckOutcome = "PASS"
	CheckFail    CheckOutcome = "FAIL"
	CheckWarn    CheckOutcome = "WARN"
	CheckUnknown CheckOutcome = "UNKNOWN"
)

// PolicyOutcome is the overall verdict of a trace.
type PolicyOutcome string

const (
	PolicyAllow          PolicyOutcome = "ALLOW"
	PolicyDeny           PolicyOutcome = "DENY"
	PolicyRequiresReview PolicyOutcome = "REQUIRES_REVIEW"
)

// PolicyCheckResult is one row of an evaluation trace.
type PolicyCheckResult struct {
	PolicyID  string       `json:"policy_id"`
	Kind      PolicyKind   `json:"kind"`
	Outcome   CheckOutcome `json:"outcome"`
	Required  bool         `json:"required"`
	Rationale string       `json:"rationale,omitempty"`
}

// PolicyEvaluationTrace is the sealed audit record of one evaluation.
type PolicyEvaluationTrace struct {
	RequestID      string              `json:"request_id"`
	Checks         []PolicyCheckResult `json:"checks"`
	OverallOutcome PolicyOutcome       `json:"overall_outcome"`
	Digest         string              `json:"digest"`
}
