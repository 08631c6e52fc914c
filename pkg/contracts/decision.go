package contracts

import (
	"time"
)

// DecisionKind names the five arbitration outcomes.
type DecisionKind string

const (
	KindDeny                DecisionKind = "DENY"
	KindDefer               DecisionKind = "DEFER"
	KindSimulate            DecisionKind = "SIMULATE"
	KindRequestConfirmation DecisionKind = "REQUEST_CONFIRMATION"
	KindApprove             DecisionKind = "APPROVE"
)

// ReasonCode is a machine-readable rationale token carried on decisions.
type ReasonCode string

const (
	ReasonPolicyOK             ReasonCode = "POLICY_OK"
	ReasonAuthorityOK          ReasonCode = "AUTHORITY_OK"
	ReasonPolicyUnavailable    ReasonCode = "POLICY_UNAVAILABLE"
	ReasonAuthorityUnavailable ReasonCode = "AUTHORITY_UNAVAILABLE"
	ReasonRiskExceedsGrant     ReasonCode = "RISK_EXCEEDS_GRANT"
	ReasonSimulationAbort      ReasonCode = "SIMULATION_ABORT"
	ReasonSimulationRevise     ReasonCode = "SIMULATION_REVISE"
	ReasonSimulated            ReasonCode = "SIMULATED_PROCEED"
	ReasonConfirmed            ReasonCode = "CONFIRMED"
	ReasonConfirmationDenied   ReasonCode = "CONFIRMATION_DENIED"
	ReasonRiskUnassessable     ReasonCode = "RISK_UNASSESSABLE"
	ReasonMalformedRequest     ReasonCode = "MALFORMED_REQUEST"
	ReasonEvidenceUnavailable  ReasonCode = "EVIDENCE_UNAVAILABLE"
)

// RiskReason renders the RISK_<level> rationale token.
func RiskReason(level RiskLevel) ReasonCode {
	return ReasonCode("RISK_" + string(level))
}

// DecisionHeader is shared by every decision variant.
type DecisionHeader struct {
	DecisionID  string       `json:"decision_id"`
	RequestID   string       `json:"request_id"`
	DecidedAt   time.Time    `json:"decided_at"`
	DecidedBy   string       `json:"decided_by"`
	Rationale   []string     `json:"rationale"`
	ReasonCodes []ReasonCode `json:"reason_codes"`
	// AssessmentID references the RiskAssessment, when one was computed.
	AssessmentID string `json:"assessment_id,omitempty"`
	// PolicyDigest binds the sealed policy trace.
	PolicyDigest string `json:"policy_digest,omitempty"`
}

// Decision is a closed sum type. Only the variants in this package
// implement it.
type Decision interface {
	Kind() DecisionKind
	Header() DecisionHeader
	isDecision()
}

// DenyDecision terminates the attempt. A new, different request is needed.
type DenyDecision struct {
	DecisionHeader
}

// DeferDecision means the pipeline could not decide now; callers may retry.
type DeferDecision struct {
	DecisionHeader
	RetryAfter time.Duration `json:"retry_after"`
}

// SimulateDecision routes the request to the simulation runner.
type SimulateDecision struct {
	DecisionHeader
	SimulationScope RiskLevel `json:"simulation_scope"`
}

// RequestConfirmationDecision routes the request to a human.
type RequestConfirmationDecision struct {
	DecisionHeader
	ConfirmationRequiredFrom HolderType `json:"confirmation_required_from"`
	Scope                    Scope      `json:"scope"`
}

// ExecutionConstraints bound the gateway's adapter invocation.
type ExecutionConstraints struct {
	MaxDurationMs      int64    `json:"max_duration_ms"`
	MaxRetries         int      `json:"max_retries"`
	AllowedSideEffects []string `json:"allowed_side_effects,omitempty"`
}

// ApproveDecision is the only variant the gateway will act on.
type ApproveDecision struct {
	DecisionHeader
	GrantID              string               `json:"grant_id"`
	ExecutionConstraints ExecutionConstraints `json:"execution_constraints"`
	// Set when the approval was unlocked by a human confirmation.
	ConfirmationID   string           `json:"confirmation_id,omitempty"`
	ConfirmationMode ConfirmationMode `json:"confirmation_mode,omitempty"`
}

func (*DenyDecision) Kind() DecisionKind                { return KindDeny }
func (*DeferDecision) Kind() DecisionKind               { return KindDefer }
func (*SimulateDecision) Kind() DecisionKind            { return KindSimulate }
func (*RequestConfirmationDecision) Kind() DecisionKind { return KindRequestConfirmation }
func (*ApproveDecision) Kind() DecisionKind             { return KindApprove }

func (d *DenyDecision) Header() DecisionHeader                { return d.DecisionHeader }
func (d *DeferDecision) Header() DecisionHeader               { return d.DecisionHeader }
func (d *SimulateDecision) Header() DecisionHeader            { return d.DecisionHeader }
func (d *RequestConfirmationDecision) Header() DecisionHeader { return d.DecisionHeader }
func (d *ApproveDecision) Header() DecisionHeader             { return d.DecisionHeader }

func (*DenyDecision) isDecision()                {}
func (*DeferDecision) isDecision()               {}
func (*SimulateDecision) isDecision()            {}
func (*RequestConfirmationDecision) isDecision() {}
func (*ApproveDecision) isDecision()             {}

// DecisionEnvelope is the wire form of a Decision: the kind plus exactly
// one populated variant.
type DecisionEnvelope struct {
	Kind                DecisionKind                 `json:"kind"`
	Deny                *DenyDecision                `json:"deny,omitempty"`
	Defer               *DeferDecision               `json:"defer,omitempty"`
	Simulate            *SimulateDecision            `json:"simulate,omitempty"`
	RequestConfirmation *RequestConfirmationDecision `json:"request_confirmation,omitempty"`
	Approve             *ApproveDecision             `json:"approve,omitempty"`
}

// Envelope wraps d for serialization.
func Envelope(d Decision) DecisionEnvelope {
	env := DecisionEnvelope{Kind: d.Kind()}
	switch v := d.(type) {
	case *DenyDecision:
		env.Deny = v
	case *DeferDecision:
		env.Defer = v
	case *SimulateDecision:
		env.Simulate = v
	case *RequestConfirmationDecision:
		env.RequestConfirmation = v
	case *ApproveDecision:
		env.Approve = v
	}
	return env
}
