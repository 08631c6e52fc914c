// Package arbiter turns an ExecutionRequest into exactly one Decision.
//
// Evaluation order is fixed: policy, then authority, then risk. Policy and
// authority are gates; risk is never computed for a request either of them
// rejected. The arbiter holds no per-request state and never retries.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/observability"
	"github.com/Mindburn-Labs/helm-gate/pkg/policy"
)

// DecidedBy identifies the arbiter on every decision it produces.
const DecidedBy = "helmgate-arbiter"

// AuthorityProvider implements the authority check. A non-nil error means
// the provider could not answer.
type AuthorityProvider interface {
	Check(ctx context.Context, req contracts.ExecutionRequest) (authority.Result, error)
}

// RiskProvider scores a request. chain is nil when authority did not resolve.
type RiskProvider interface {
	Assess(ctx context.Context, req contracts.ExecutionRequest, chain *contracts.AuthorityChain) contracts.RiskAssessment
}

// SimulationEvidence returns the most recent completed simulation for a
// request, if any.
type SimulationEvidence interface {
	Latest(ctx context.Context, requestID string) (*contracts.SimulationResult, error)
}

// ConfirmationEvidence returns an approved, unconsumed, unexpired
// confirmation for a request, if any. Denied reports a human refusal, which
// is final for the request id.
type ConfirmationEvidence interface {
	Approved(ctx context.Context, requestID string, now time.Time) (*contracts.ConfirmationRequest, error)
	Denied(ctx context.Context, requestID string) (*contracts.ConfirmationRequest, error)
}

// Evaluation is the decision plus the intermediate results that produced it.
// Authority and Risk are nil when evaluation stopped before them.
type Evaluation struct {
	Decision  contracts.Decision
	Policy    *policy.Result
	Authority *authority.Result
	Risk      *contracts.RiskAssessment
}

// Arbiter is the execution state machine.
type Arbiter struct {
	policy    policy.Provider
	authority AuthorityProvider
	risk      RiskProvider

	simulations   SimulationEvidence
	confirmations ConfirmationEvidence

	defaultMaxDuration time.Duration
	retryAfter         time.Duration

	clock  func() time.Time
	newID  func() string
	obs    *observability.Provider
	logger *slog.Logger
}

// New creates an Arbiter over the three providers.
func New(p policy.Provider, a AuthorityProvider, r RiskProvider) *Arbiter {
	return &Arbiter{
		policy:             p,
		authority:          a,
		risk:               r,
		defaultMaxDuration: 30 * time.Second,
		retryAfter:         10 * time.Second,
		clock:              time.Now,
		newID:              func() string { return "dec-" + uuid.NewString() },
		logger:             slog.Default().With("component", "arbiter"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Arbiter) WithClock(clock func() time.Time) *Arbiter {
	a.clock = clock
	return a
}

// WithLogger sets the logger.
func (a *Arbiter) WithLogger(l *slog.Logger) *Arbiter {
	a.logger = l
	return a
}

// WithObservability records spans and decision counters on p.
func (a *Arbiter) WithObservability(p *observability.Provider) *Arbiter {
	a.obs = p
	return a
}

// WithDefaults sets the max duration applied when no grant in the chain
// declares one, and the DEFER retry hint.
func (a *Arbiter) WithDefaults(maxDuration, retryAfter time.Duration) *Arbiter {
	if maxDuration > 0 {
		a.defaultMaxDuration = maxDuration
	}
	if retryAfter > 0 {
		a.retryAfter = retryAfter
	}
	return a
}

// SetSimulationEvidence lets completed PROCEED simulations satisfy the
// simulation requirement.
func (a *Arbiter) SetSimulationEvidence(s SimulationEvidence) {
	a.simulations = s
}

// SetConfirmationEvidence lets approved confirmations satisfy the
// confirmation requirement.
func (a *Arbiter) SetConfirmationEvidence(c ConfirmationEvidence) {
	a.confirmations = c
}

// Decide returns only the decision.
func (a *Arbiter) Decide(ctx context.Context, req contracts.ExecutionRequest) contracts.Decision {
	return a.Evaluate(ctx, req).Decision
}

// Evaluate runs the state machine. It never returns an error: every outcome,
// including provider failure, is a Decision.
func (a *Arbiter) Evaluate(ctx context.Context, req contracts.ExecutionRequest) (ev Evaluation) {
	ctx, done := a.obs.TrackOperation(ctx, "arbiter.evaluate",
		observability.AttrRequestID.String(req.RequestID),
		observability.AttrActionType.String(req.Action.Type),
	)
	defer func() {
		kind := ev.Decision.Kind()
		a.obs.RecordDecision(ctx, string(kind))
		observability.AnnotateSpan(ctx,
			observability.AttrDecisionID.String(ev.Decision.Header().DecisionID),
			observability.AttrDecisionKind.String(string(kind)),
		)
		a.logger.InfoContext(ctx, "decision",
			"request_id", req.RequestID,
			"decision_id", ev.Decision.Header().DecisionID,
			"decision", kind,
			"reason", ev.Decision.Header().ReasonCodes,
		)
		done(nil)
	}()

	now := a.clock()
	h := contracts.DecisionHeader{
		DecisionID: a.newID(),
		RequestID:  req.RequestID,
		DecidedAt:  now,
		DecidedBy:  DecidedBy,
	}

	if req.RequestID == "" || req.Action.Type == "" {
		h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonMalformedRequest}
		h.Rationale = []string{"request id and action type are required"}
		ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
		return ev
	}

	// 1. Policy
	pr, err := a.policy.Evaluate(ctx, req)
	if err != nil {
		ev.Decision = a.deferred(ctx, h, contracts.ReasonPolicyUnavailable, err)
		return ev
	}
	ev.Policy = &pr
	h.PolicyDigest = pr.Trace.Digest
	if !pr.Allowed {
		h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonCode(pr.Reason)}
		h.Rationale = []string{fmt.Sprintf("policy %s: %s", pr.Reason, pr.Trace.OverallOutcome)}
		ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
		return ev
	}

	// 2. Authority
	ar, err := a.authority.Check(ctx, req)
	if err != nil {
		ev.Decision = a.deferred(ctx, h, contracts.ReasonAuthorityUnavailable, err)
		return ev
	}
	ev.Authority = &ar
	if !ar.Granted {
		h.ReasonCodes = []contracts.ReasonCode{ar.Reason}
		h.Rationale = []string{ar.Detail}
		ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
		return ev
	}
	if ar.Chain == nil {
		h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonChainInvalid}
		h.Rationale = []string{"authority granted without a resolved chain"}
		ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
		return ev
	}
	chain := *ar.Chain

	// 3. Risk
	ra := a.risk.Assess(ctx, req, &chain)
	ev.Risk = &ra
	h.AssessmentID = ra.AssessmentID
	observability.AnnotateSpan(ctx, observability.AttrRiskLevel.String(string(ra.OverallLevel)))

	if limit, ok := authority.MaxRisk(chain); ok && ra.OverallLevel.Exceeds(limit) {
		h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonRiskExceedsGrant, contracts.RiskReason(ra.OverallLevel)}
		h.Rationale = []string{fmt.Sprintf("risk %s exceeds grant limit %s", ra.OverallLevel, limit)}
		ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
		return ev
	}

	riskCodes := []contracts.ReasonCode{contracts.RiskReason(ra.OverallLevel)}
	if ra.UncertaintyFlag {
		riskCodes = append(riskCodes, contracts.ReasonRiskUnassessable)
	}

	var evidence []contracts.ReasonCode

	// 4. Simulation
	if ra.RequiresSimulation {
		sim, err := a.simulation(ctx, req.RequestID, ra.OverallLevel)
		if err != nil {
			ev.Decision = a.deferred(ctx, h, contracts.ReasonEvidenceUnavailable, err)
			return ev
		}
		switch {
		case sim == nil:
			h.ReasonCodes = riskCodes
			h.Rationale = []string{fmt.Sprintf("risk %s requires simulation", ra.OverallLevel)}
			ev.Decision = &contracts.SimulateDecision{DecisionHeader: h, SimulationScope: ra.OverallLevel}
			return ev
		case sim.Recommendation == contracts.RecommendAbort:
			h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonSimulationAbort}
			h.Rationale = []string{"simulation " + sim.SimulationID + " recommended ABORT"}
			ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
			return ev
		case sim.Recommendation == contracts.RecommendRevise:
			h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonSimulationRevise}
			h.Rationale = []string{"simulation " + sim.SimulationID + " recommended REVISE"}
			ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
			return ev
		}
		evidence = append(evidence, contracts.ReasonSimulated)
	}

	// 5. Confirmation. A human DENY stands; only a new request reopens it.
	denied, err := a.denial(ctx, req.RequestID)
	if err != nil {
		ev.Decision = a.deferred(ctx, h, contracts.ReasonEvidenceUnavailable, err)
		return ev
	}
	if denied != nil {
		h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonConfirmationDenied}
		h.Rationale = []string{fmt.Sprintf("confirmation %s denied by %s", denied.ConfirmationID, denied.Response.Responder)}
		ev.Decision = &contracts.DenyDecision{DecisionHeader: h}
		return ev
	}

	var conf *contracts.ConfirmationRequest
	if ra.RequiresHumanConfirmation {
		conf, err = a.confirmation(ctx, req, now)
		if err != nil {
			ev.Decision = a.deferred(ctx, h, contracts.ReasonEvidenceUnavailable, err)
			return ev
		}
		if conf == nil {
			h.ReasonCodes = append(append([]contracts.ReasonCode(nil), riskCodes...), evidence...)
			h.Rationale = []string{fmt.Sprintf("risk %s requires human confirmation", ra.OverallLevel)}
			ev.Decision = &contracts.RequestConfirmationDecision{
				DecisionHeader:           h,
				ConfirmationRequiredFrom: contracts.HolderHuman,
				Scope:                    ActionScope(req),
			}
			return ev
		}
		evidence = append(evidence, contracts.ReasonConfirmed)
	}

	// 6. Approve
	h.ReasonCodes = []contracts.ReasonCode{contracts.ReasonPolicyOK, contracts.ReasonAuthorityOK}
	h.ReasonCodes = append(h.ReasonCodes, riskCodes[0])
	h.ReasonCodes = append(h.ReasonCodes, evidence...)
	h.Rationale = make([]string, 0, len(h.ReasonCodes))
	for _, c := range h.ReasonCodes {
		h.Rationale = append(h.Rationale, string(c))
	}

	approve := &contracts.ApproveDecision{
		DecisionHeader:       h,
		GrantID:              chain.Terminal.GrantID,
		ExecutionConstraints: authority.EffectiveConstraints(chain, a.defaultMaxDuration),
	}
	if conf != nil {
		approve.ConfirmationID = conf.ConfirmationID
		approve.ConfirmationMode = conf.Response.Mode
	}
	ev.Decision = approve
	return ev
}

func (a *Arbiter) deferred(ctx context.Context, h contracts.DecisionHeader, reason contracts.ReasonCode, err error) contracts.Decision {
	a.logger.WarnContext(ctx, "deferring request", "request_id", h.RequestID, "reason", reason, "error", err)
	h.ReasonCodes = []contracts.ReasonCode{reason}
	h.Rationale = []string{err.Error()}
	return &contracts.DeferDecision{DecisionHeader: h, RetryAfter: a.retryAfter}
}

// simulation returns a completed simulation that covers level, or nil.
func (a *Arbiter) simulation(ctx context.Context, requestID string, level contracts.RiskLevel) (*contracts.SimulationResult, error) {
	if a.simulations == nil {
		return nil, nil
	}
	sim, err := a.simulations.Latest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("simulation evidence: %w", err)
	}
	if sim == nil || sim.RequestID != requestID || !sim.Scope.AtLeast(level) {
		return nil, nil
	}
	return sim, nil
}

// confirmation returns an approval bound to this request and action, or nil.
func (a *Arbiter) confirmation(ctx context.Context, req contracts.ExecutionRequest, now time.Time) (*contracts.ConfirmationRequest, error) {
	if a.confirmations == nil {
		return nil, nil
	}
	conf, err := a.confirmations.Approved(ctx, req.RequestID, now)
	if err != nil {
		return nil, fmt.Errorf("confirmation evidence: %w", err)
	}
	if conf == nil || conf.Response == nil || !conf.Response.Mode.Approves() {
		return nil, nil
	}
	if conf.RequestID != req.RequestID ||
		conf.TargetAction.Type != req.Action.Type ||
		conf.TargetAction.Target != req.Action.Target {
		return nil, nil
	}
	return conf, nil
}

// denial returns the human DENY recorded for requestID, or nil.
func (a *Arbiter) denial(ctx context.Context, requestID string) (*contracts.ConfirmationRequest, error) {
	if a.confirmations == nil {
		return nil, nil
	}
	conf, err := a.confirmations.Denied(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("confirmation evidence: %w", err)
	}
	if conf == nil || conf.Response == nil || conf.Response.Mode.Approves() {
		return nil, nil
	}
	return conf, nil
}

// ActionScope is the narrowest scope covering exactly this request's action.
func ActionScope(req contracts.ExecutionRequest) contracts.Scope {
	s := contracts.Scope{
		ActionTypes:  []string{req.Action.Type},
		Environments: []string{req.Context.Environment},
	}
	if req.Action.Target != "" {
		s.Targets = []string{req.Action.Target}
	}
	return s
}
