// Package gateway is the only caller of real action adapters.
//
// Every call to Execute writes exactly one receipt, whatever happens, unless
// the audit trail itself is compromised: an unwritable ledger or a corrupted
// registry halts the gateway instead.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/arbiter"
	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/confirmation"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
	"github.com/Mindburn-Labs/helm-gate/pkg/observability"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
)

var (
	// ErrFatal marks conditions that compromise the audit trail.
	ErrFatal = errors.New("gateway: fatal")
	// ErrLedgerUnwritable means a receipt could not be recorded.
	ErrLedgerUnwritable = fmt.Errorf("%w: receipt ledger unwritable", ErrFatal)
	// ErrRegistryCorrupted means the action registry cannot be trusted.
	ErrRegistryCorrupted = fmt.Errorf("%w: action registry corrupted", ErrFatal)
	// ErrHalted is returned for every attempt after a fatal condition.
	ErrHalted = errors.New("gateway: halted")
)

// AuthorityChecker re-validates a request's authority at a given instant.
type AuthorityChecker interface {
	CheckAt(ctx context.Context, req contracts.ExecutionRequest, now time.Time) (authority.Result, error)
}

// Confirmations consumes approved confirmations.
type Confirmations interface {
	Consume(ctx context.Context, confirmationID, requestID, executionID string) error
}

// Attempt is the outcome of one Execute call.
type Attempt struct {
	Receipt contracts.ExecutionReceipt `json:"receipt"`
	// Output is the adapter's result; only set on SUCCESS.
	Output map[string]any `json:"output,omitempty"`
}

// Gateway enforces the kill switch, authority freshness and the closed
// action registry in front of every adapter call.
type Gateway struct {
	killSwitch    killswitch.Switch
	authority     AuthorityChecker
	consumption   authority.ConsumptionStore
	registry      *registry.Registry
	ledger        ledger.Ledger
	confirmations Confirmations

	grantLocks keyedMutex

	haltMu  sync.RWMutex
	haltErr error

	clock  func() time.Time
	newID  func() string
	obs    *observability.Provider
	logger *slog.Logger
}

// New creates a Gateway. consumption must be the store the authority checker
// reads, so a grant consumed here is seen as consumed by later checks.
func New(ks killswitch.Switch, auth AuthorityChecker, consumption authority.ConsumptionStore, reg *registry.Registry, l ledger.Ledger) *Gateway {
	return &Gateway{
		killSwitch:  ks,
		authority:   auth,
		consumption: consumption,
		registry:    reg,
		ledger:      l,
		clock:       time.Now,
		newID:       func() string { return "exec-" + uuid.NewString() },
		logger:      slog.Default().With("component", "gateway"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// WithLogger sets the logger.
func (g *Gateway) WithLogger(l *slog.Logger) *Gateway {
	g.logger = l
	return g
}

// WithObservability records spans and receipt counters on p.
func (g *Gateway) WithObservability(p *observability.Provider) *Gateway {
	g.obs = p
	return g
}

// SetConfirmations enables consumption of the confirmation an approval was
// unlocked by. Without it, approvals that carry a confirmation are blocked.
func (g *Gateway) SetConfirmations(c Confirmations) {
	g.confirmations = c
}

// Halted returns the fatal error that halted the gateway, or nil.
func (g *Gateway) Halted() error {
	g.haltMu.RLock()
	defer g.haltMu.RUnlock()
	return g.haltErr
}

func (g *Gateway) halt(ctx context.Context, err error) {
	g.haltMu.Lock()
	first := g.haltErr == nil
	if first {
		g.haltErr = err
	}
	g.haltMu.Unlock()
	if first {
		g.obs.RecordHalt(ctx, haltCause(err))
	}
}

func haltCause(err error) string {
	switch {
	case errors.Is(err, ErrLedgerUnwritable):
		return "ledger_unwritable"
	case errors.Is(err, ErrRegistryCorrupted):
		return "registry_corrupted"
	default:
		return "fatal"
	}
}

// attempt carries the state of one Execute call.
type attempt struct {
	id       string
	req      contracts.ExecutionRequest
	decision contracts.Decision
	approve  *contracts.ApproveDecision
	started  time.Time

	consumedGrant bool
}

// Execute runs one attempt of req under decision. The returned error is
// non-nil only for fatal conditions and ErrHalted; every other outcome,
// including adapter failure, is a receipt.
func (g *Gateway) Execute(ctx context.Context, req contracts.ExecutionRequest, decision contracts.Decision) (res Attempt, err error) {
	if herr := g.Halted(); herr != nil {
		return Attempt{}, fmt.Errorf("%w: %v", ErrHalted, herr)
	}

	ctx, done := g.obs.TrackOperation(ctx, "gateway.execute",
		observability.AttrRequestID.String(req.RequestID),
		observability.AttrActionType.String(req.Action.Type),
		observability.AttrGrantID.String(req.Authority.GrantID),
	)
	defer func() { done(err) }()

	a := &attempt{id: g.newID(), req: req, decision: decision, started: g.clock()}
	out, output, ferr := g.run(ctx, a)
	if ferr != nil {
		g.halt(ctx, ferr)
		g.logger.ErrorContext(ctx, "gateway halted",
			"request_id", req.RequestID, "execution_id", a.id, "error", ferr)
		return Attempt{}, ferr
	}
	return g.record(ctx, a, out, output)
}

// run performs the gated sequence. A non-nil error is fatal.
func (g *Gateway) run(ctx context.Context, a *attempt) (arbiter.Outcome, map[string]any, error) {
	req := a.req

	// 1. Kill switch, read fresh on every attempt.
	enabled, err := g.killSwitch.Enabled(ctx)
	if err != nil {
		return g.blocked(contracts.BlockKillSwitch, "kill switch unreadable: %v", err), nil, nil
	}
	if !enabled {
		return g.blocked(contracts.BlockKillSwitch, "execution disabled"), nil, nil
	}

	// 2. Only an APPROVE for this very request is actionable.
	ad, ok := a.decision.(*contracts.ApproveDecision)
	switch {
	case a.decision == nil:
		return g.blocked(contracts.BlockNotApproved, "no decision"), nil, nil
	case !ok:
		return g.blocked(contracts.BlockNotApproved, "decision is %s", a.decision.Kind()), nil, nil
	case ad.RequestID != req.RequestID:
		return g.blocked(contracts.BlockNotApproved, "decision %s was made for request %s", ad.DecisionID, ad.RequestID), nil, nil
	}
	a.approve = ad

	// 3. Authority at this instant, not at decision time.
	chain, out, blocked := g.checkAuthority(ctx, a, g.clock())
	if blocked {
		return out, nil, nil
	}

	// 4. Closed registry.
	entry, err := g.registry.Lookup(req.Action.Type)
	switch {
	case errors.Is(err, registry.ErrCorrupted):
		return arbiter.Outcome{}, nil, fmt.Errorf("%w: %v", ErrRegistryCorrupted, err)
	case err != nil:
		return g.blocked(contracts.BlockInvalidAction, "%v", err), nil, nil
	}
	if err := g.registry.Verify(); err != nil {
		return arbiter.Outcome{}, nil, fmt.Errorf("%w: %v", ErrRegistryCorrupted, err)
	}
	params := req.CloneParameters()
	if err := entry.Validate(params); err != nil {
		return g.blocked(contracts.BlockInvalidParameters, "%v", err), nil, nil
	}
	if bad := disallowedSideEffects(entry.SideEffects, ad.ExecutionConstraints.AllowedSideEffects); len(bad) > 0 {
		return g.blocked(contracts.BlockInvalidAuthority, "side effects %s not allowed by grant", strings.Join(bad, ",")), nil, nil
	}

	// 5. Consumption and invocation are one unit per one-time grant. Every
	// one-time link is locked, so siblings delegated from the same one-time
	// grant serialise on it.
	oneTime := authority.OneTimeGrants(chain)
	if len(oneTime) > 0 {
		unlock := g.grantLocks.lockAll(oneTime)
		defer unlock()
		for _, id := range oneTime {
			used, err := g.consumption.Consumed(ctx, id)
			switch {
			case err != nil:
				return g.blocked(contracts.BlockInvalidAuthority, "consumption store: %v", err), nil, nil
			case used:
				return g.blocked(contracts.BlockExhaustedAuthority, "one-time grant %s already used", id), nil, nil
			}
		}
	}

	if ad.ConfirmationID != "" {
		if out, blocked := g.consumeConfirmation(ctx, a); blocked {
			return out, nil, nil
		}
	}
	for _, id := range oneTime {
		err := g.consumption.Consume(ctx, id, a.id)
		switch {
		case errors.Is(err, authority.ErrAlreadyConsumed):
			return g.blocked(contracts.BlockExhaustedAuthority, "one-time grant %s already used", id), nil, nil
		case err != nil:
			return g.blocked(contracts.BlockInvalidAuthority, "consumption store: %v", err), nil, nil
		}
	}
	a.consumedGrant = len(oneTime) > 0

	// 6. Re-validate immediately before the point of no return.
	if _, out, blocked := g.checkAuthority(ctx, a, g.clock()); blocked {
		out.Reason = contracts.BlockRevokedMidAttempt
		return out, nil, nil
	}

	out, output := g.invoke(ctx, entry, params, ad.ExecutionConstraints.MaxDurationMs)
	return out, output, nil
}

// checkAuthority maps a failed authority check to a blocked outcome. A grant
// this attempt consumed itself still counts as valid.
func (g *Gateway) checkAuthority(ctx context.Context, a *attempt, now time.Time) (contracts.AuthorityChain, arbiter.Outcome, bool) {
	res, err := g.authority.CheckAt(ctx, a.req, now)
	if err != nil {
		return contracts.AuthorityChain{}, g.blocked(contracts.BlockInvalidAuthority, "authority unavailable: %v", err), true
	}
	if !res.Granted && !(a.consumedGrant && res.Reason == contracts.ReasonGrantConsumed) {
		return contracts.AuthorityChain{}, g.blocked(blockReasonFor(res.Reason), "%s: %s", res.Reason, res.Detail), true
	}
	if res.Chain == nil {
		return contracts.AuthorityChain{}, g.blocked(contracts.BlockInvalidAuthority, "authority chain unresolved"), true
	}
	if res.Chain.Terminal.GrantID != a.approve.GrantID {
		return contracts.AuthorityChain{}, g.blocked(contracts.BlockInvalidAuthority,
			"request presents grant %s, decision approved %s", res.Chain.Terminal.GrantID, a.approve.GrantID), true
	}
	return *res.Chain, arbiter.Outcome{}, false
}

func (g *Gateway) consumeConfirmation(ctx context.Context, a *attempt) (arbiter.Outcome, bool) {
	cid := a.approve.ConfirmationID
	if g.confirmations == nil {
		return g.blocked(contracts.BlockNotApproved, "confirmation %s cannot be verified", cid), true
	}
	err := g.confirmations.Consume(ctx, cid, a.req.RequestID, a.id)
	switch {
	case err == nil:
		return arbiter.Outcome{}, false
	case errors.Is(err, confirmation.ErrReplayed):
		return g.blocked(contracts.BlockConfirmationReplayed, "confirmation %s already used", cid), true
	default:
		return g.blocked(contracts.BlockNotApproved, "confirmation %s: %v", cid, err), true
	}
}

func blockReasonFor(code contracts.ReasonCode) contracts.BlockReason {
	switch code {
	case contracts.ReasonGrantExpired:
		return contracts.BlockExpiredAuthority
	case contracts.ReasonGrantConsumed:
		return contracts.BlockExhaustedAuthority
	default:
		return contracts.BlockInvalidAuthority
	}
}

// disallowedSideEffects returns the effects not in allowed. A nil allowed
// list is unrestricted.
func disallowedSideEffects(effects, allowed []string) []string {
	if allowed == nil {
		return nil
	}
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[strings.ToLower(strings.TrimSpace(a))] = true
	}
	var bad []string
	for _, e := range effects {
		if !ok[strings.ToLower(strings.TrimSpace(e))] {
			bad = append(bad, e)
		}
	}
	return bad
}

func (g *Gateway) blocked(reason contracts.BlockReason, format string, args ...any) arbiter.Outcome {
	return arbiter.Outcome{
		Result: contracts.ResultBlocked,
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

// record finalizes and appends the receipt. The append uses a context that
// survives caller cancellation: an attempt is never dropped.
func (g *Gateway) record(ctx context.Context, a *attempt, out arbiter.Outcome, output map[string]any) (Attempt, error) {
	now := g.clock()
	out.At = now
	out.Duration = now.Sub(a.started)

	r := arbiter.Finalize(a.req, a.decision, out)
	r.ExecutionID = a.id

	sealed, err := g.ledger.Append(context.WithoutCancel(ctx), r)
	if err != nil {
		ferr := fmt.Errorf("%w: %s: %v", ErrLedgerUnwritable, a.id, err)
		g.halt(ctx, ferr)
		g.logger.ErrorContext(ctx, "receipt not recorded, gateway halted",
			"request_id", a.req.RequestID, "execution_id", a.id,
			"result", out.Result, "reason", out.Reason, "error", err)
		return Attempt{}, ferr
	}

	g.obs.RecordReceipt(ctx, string(sealed.Result), string(sealed.Reason))
	observability.AnnotateSpan(ctx,
		observability.AttrReceiptResult.String(string(sealed.Result)),
		observability.AttrReceiptReason.String(string(sealed.Reason)),
	)

	attrs := []any{
		"request_id", sealed.RequestID,
		"execution_id", sealed.ExecutionID,
		"decision_id", sealed.DecisionID,
		"action", sealed.Action.Type,
		"result", sealed.Result,
		"sequence", sealed.Sequence,
	}
	if sealed.ConfirmationMode != "" {
		attrs = append(attrs, "mode", sealed.ConfirmationMode)
	}
	switch sealed.Result {
	case contracts.ResultSuccess:
		g.logger.InfoContext(ctx, "action executed", attrs...)
		return Attempt{Receipt: sealed, Output: output}, nil
	case contracts.ResultPartial:
		g.logger.WarnContext(ctx, "action outcome unknown", append(attrs, "reason", sealed.Reason, "detail", sealed.Detail)...)
	default:
		g.logger.WarnContext(ctx, "attempt blocked", append(attrs, "reason", sealed.Reason, "detail", sealed.Detail)...)
	}
	return Attempt{Receipt: sealed}, nil
}
