package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Result is the outcome of an authority check. When Granted is false,
// Reason says why. Grant and Chain are set whenever the chain resolved, so
// callers can report on a denied grant.
type Result struct {
	Granted bool                      `json:"granted"`
	Reason  contracts.ReasonCode      `json:"reason,omitempty"`
	Detail  string                    `json:"detail,omitempty"`
	Chain   *contracts.AuthorityChain `json:"chain,omitempty"`
}

// Grant returns the presented grant, if resolved.
func (r Result) Grant() (contracts.AuthorityGrant, bool) {
	if r.Chain == nil {
		return contracts.AuthorityGrant{}, false
	}
	return r.Chain.Terminal, true
}

func deny(reason contracts.ReasonCode, format string, args ...any) Result {
	return Result{Granted: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Checker implements the authority check. It never writes to its stores.
type Checker struct {
	grants      GrantStore
	consumption ConsumptionStore
	clock       func() time.Time
}

// NewChecker creates a Checker. A nil consumption store is replaced by an
// empty in-memory one.
func NewChecker(grants GrantStore, consumption ConsumptionStore) *Checker {
	if consumption == nil {
		consumption = NewMemoryConsumptionStore()
	}
	return &Checker{grants: grants, consumption: consumption, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// Check validates the request's claimed authority at the current instant.
func (c *Checker) Check(ctx context.Context, req contracts.ExecutionRequest) (Result, error) {
	return c.CheckAt(ctx, req, c.clock())
}

// CheckAt validates the request's claimed authority at now. A non-nil error
// means the stores could not answer; any verdict-level problem is a
// Result with Granted=false.
func (c *Checker) CheckAt(ctx context.Context, req contracts.ExecutionRequest, now time.Time) (Result, error) {
	holder := req.Authority.Holder
	if !holder.Type.Valid() || holder.ID == "" {
		return deny(contracts.ReasonUnknownHolder, "holder %q is not a known identity", holder.String()), nil
	}
	if req.Authority.GrantID == "" {
		return deny(contracts.ReasonGrantNotFound, "no grant presented"), nil
	}

	chain, err := ResolveChain(ctx, c.grants, req.Authority.GrantID)
	switch {
	case errors.Is(err, ErrGrantNotFound):
		return deny(contracts.ReasonGrantNotFound, "grant %s not found", req.Authority.GrantID), nil
	case errors.Is(err, ErrChainBroken):
		return deny(contracts.ReasonChainInvalid, "%v", err), nil
	case err != nil:
		return Result{}, fmt.Errorf("resolve chain: %w", err)
	}

	res, err := c.evaluate(ctx, req, chain, now)
	if err != nil {
		return Result{}, err
	}
	res.Chain = &chain
	return res, nil
}

func (c *Checker) evaluate(ctx context.Context, req contracts.ExecutionRequest, chain contracts.AuthorityChain, now time.Time) (Result, error) {
	terminal := chain.Terminal
	if terminal.GrantedTo != req.Authority.Holder {
		return deny(contracts.ReasonHolderMismatch, "grant %s is held by %s, presented by %s",
			terminal.GrantID, terminal.GrantedTo, req.Authority.Holder), nil
	}

	links := chain.Links()
	for i, g := range links {
		if r, bad := validateShape(g); bad {
			return r, nil
		}
		revokedAt, err := c.grants.RevokedAt(ctx, g.GrantID)
		if err != nil {
			return Result{}, fmt.Errorf("revocation lookup %s: %w", g.GrantID, err)
		}
		if revokedAt != nil && !revokedAt.After(now) {
			return deny(contracts.ReasonGrantRevoked, "grant %s revoked at %s", g.GrantID, revokedAt.UTC().Format(time.RFC3339)), nil
		}
		if r, bad := validateLifetime(g, now); bad {
			return r, nil
		}
		if i > 0 {
			if r, bad := validateDelegation(links[i-1], g); bad {
				return r, nil
			}
		}
		if tw, ok := g.Constraint(contracts.ConstraintTimeWindow); ok {
			in, err := inTimeWindow(tw, now)
			if err != nil {
				return deny(contracts.ReasonMalformedGrant, "grant %s: %v", g.GrantID, err), nil
			}
			if !in {
				return deny(contracts.ReasonOutsideTimeWindow, "grant %s usable %s-%s UTC", g.GrantID, tw.WindowStart, tw.WindowEnd), nil
			}
		}
	}

	a := req.Action
	if !ScopeCovers(terminal.Scope, a.Type, req.Context.Environment, a.Target) {
		return deny(contracts.ReasonScopeMismatch, "action %s on %q in %q outside grant %s",
			a.Type, a.Target, req.Context.Environment, terminal.GrantID), nil
	}

	for _, id := range OneTimeGrants(chain) {
		used, err := c.consumption.Consumed(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("consumption lookup %s: %w", id, err)
		}
		if used {
			return deny(contracts.ReasonGrantConsumed, "one-time grant %s already used", id), nil
		}
	}

	return Result{Granted: true, Reason: contracts.ReasonAuthorityOK}, nil
}

func validateShape(g contracts.AuthorityGrant) (Result, bool) {
	if g.GrantID == "" || !g.GrantedTo.Type.Valid() || !g.GrantedBy.Type.Valid() {
		return deny(contracts.ReasonMalformedGrant, "grant %q has unknown holders", g.GrantID), true
	}
	if len(g.Scope.ActionTypes) == 0 || len(g.Scope.Environments) == 0 {
		return deny(contracts.ReasonMalformedGrant, "grant %s has an empty scope", g.GrantID), true
	}
	return Result{}, false
}

func validateLifetime(g contracts.AuthorityGrant, now time.Time) (Result, bool) {
	if g.ExpiresAt == nil {
		if !g.IsBootstrap() {
			return deny(contracts.ReasonGrantNoExpiry, "grant %s has no expiry and is not a SYSTEM bootstrap grant", g.GrantID), true
		}
	} else if !now.Before(*g.ExpiresAt) {
		return deny(contracts.ReasonGrantExpired, "grant %s expired at %s", g.GrantID, g.ExpiresAt.UTC().Format(time.RFC3339)), true
	}
	if !g.IssuedAt.IsZero() && now.Before(g.IssuedAt) {
		return deny(contracts.ReasonGrantNotYetValid, "grant %s issued in the future", g.GrantID), true
	}
	return Result{}, false
}

func validateDelegation(parent, child contracts.AuthorityGrant) (Result, bool) {
	if child.GrantedBy != parent.GrantedTo {
		return deny(contracts.ReasonChainInvalid, "grant %s issued by %s but parent %s is held by %s",
			child.GrantID, child.GrantedBy, parent.GrantID, parent.GrantedTo), true
	}
	if !ScopeContains(parent.Scope, child.Scope) {
		return deny(contracts.ReasonScopeWidening, "grant %s widens the scope of %s", child.GrantID, parent.GrantID), true
	}
	if parent.ExpiresAt != nil && child.ExpiresAt != nil && child.ExpiresAt.After(*parent.ExpiresAt) {
		return deny(contracts.ReasonScopeWidening, "grant %s outlives its parent %s", child.GrantID, parent.GrantID), true
	}
	return Result{}, false
}
