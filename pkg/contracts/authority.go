package contracts

import "time"

// HolderType tags who holds or issued a grant.
type HolderType string

const (
	HolderHuman   HolderType = "HUMAN"
	HolderSystem  HolderType = "SYSTEM"
	HolderService HolderType = "SERVICE"
)

// Valid reports whether t is one of the known holder kinds.
func (t HolderType) Valid() bool {
	switch t {
	case HolderHuman, HolderSystem, HolderService:
		return true
	}
	return false
}

// AuthorityHolder is an already-authenticated identity.
type AuthorityHolder struct {
	Type HolderType `json:"type" yaml:"type"`
	ID   string     `json:"id" yaml:"id"`
}

// String renders the holder as "TYPE:id".
func (h AuthorityHolder) String() string {
	return string(h.Type) + ":" + h.ID
}

// Scope bounds what a grant covers. Empty Targets means any target.
type Scope struct {
	ActionTypes  []string `json:"action_types" yaml:"action_types"`
	Environments []string `json:"environments" yaml:"environments"`
	Targets      []string `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// ConstraintKind enumerates the grant constraints the authority model understands.
type ConstraintKind string

const (
	ConstraintRequiresConfirmation ConstraintKind = "REQUIRES_CONFIRMATION"
	ConstraintMaxRisk              ConstraintKind = "MAX_RISK"
	ConstraintTimeWindow           ConstraintKind = "TIME_WINDOW"
	ConstraintOneTimeUse           ConstraintKind = "ONE_TIME_USE"
)

// Constraint is a tagged grant restriction. Only the fields relevant to
// Kind are populated.
type Constraint struct {
	Kind ConstraintKind `json:"kind" yaml:"kind"`
	// MAX_RISK
	MaxRisk RiskLevel `json:"max_risk,omitempty" yaml:"max_risk,omitempty"`
	// TIME_WINDOW, as UTC "HH:MM" bounds (start inclusive, end exclusive).
	WindowStart string `json:"window_start,omitempty" yaml:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty" yaml:"window_end,omitempty"`
}

// GrantLimits are the execution limits a grant declares.
type GrantLimits struct {
	MaxDurationMs      int64    `json:"max_duration_ms,omitempty" yaml:"max_duration_ms,omitempty"`
	MaxRetries         int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	AllowedSideEffects []string `json:"allowed_side_effects,omitempty" yaml:"allowed_side_effects,omitempty"`
}

// AuthorityGrant is a capability. Grants are never edited in place:
// revocation and consumption are tracked beside them.
type AuthorityGrant struct {
	GrantID     string          `json:"grant_id" yaml:"grant_id"`
	ParentID    string          `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	GrantedTo   AuthorityHolder `json:"granted_to" yaml:"granted_to"`
	GrantedBy   AuthorityHolder `json:"granted_by" yaml:"granted_by"`
	Scope       Scope           `json:"scope" yaml:"scope"`
	IssuedAt    time.Time       `json:"issued_at" yaml:"issued_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Revocable   bool            `json:"revocable" yaml:"revocable"`
	Constraints []Constraint    `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Limits      GrantLimits     `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Constraint returns the first constraint of the given kind.
func (g AuthorityGrant) Constraint(kind ConstraintKind) (Constraint, bool) {
	for _, c := range g.Constraints {
		if c.Kind == kind {
			return c, true
		}
	}
	return Constraint{}, false
}

// HasConstraint reports whether the grant carries a constraint of the given kind.
func (g AuthorityGrant) HasConstraint(kind ConstraintKind) bool {
	_, ok := g.Constraint(kind)
	return ok
}

// IsBootstrap reports whether the grant is a root SYSTEM-to-SYSTEM grant,
// the only shape allowed to omit expiry while being irrevocable.
func (g AuthorityGrant) IsBootstrap() bool {
	return g.ParentID == "" &&
		g.GrantedTo.Type == HolderSystem &&
		g.GrantedBy.Type == HolderSystem
}

// AuthorityChain is a derived view from the root grant to the presented one.
// Delegations excludes root and terminal.
type AuthorityChain struct {
	Root        AuthorityGrant   `json:"root_authority"`
	Delegations []AuthorityGrant `json:"delegations,omitempty"`
	Terminal    AuthorityGrant   `json:"terminal_authority"`
}

// Links returns the chain ordered from root to terminal without duplicates.
func (c AuthorityChain) Links() []AuthorityGrant {
	links := make([]AuthorityGrant, 0, len(c.Delegations)+2)
	links = append(links, c.Root)
	links = append(links, c.Delegations...)
	if c.Terminal.GrantID != c.Root.GrantID {
		links = append(links, c.Terminal)
	}
	return links
}

// Authority check reasons.
const (
	ReasonGrantNotFound     ReasonCode = "GRANT_NOT_FOUND"
	ReasonGrantExpired      ReasonCode = "GRANT_EXPIRED"
	ReasonGrantNotYetValid  ReasonCode = "GRANT_NOT_YET_VALID"
	ReasonGrantRevoked      ReasonCode = "GRANT_REVOKED"
	ReasonGrantNoExpiry     ReasonCode = "GRANT_MISSING_EXPIRY"
	ReasonGrantConsumed     ReasonCode = "GRANT_CONSUMED"
	ReasonHolderMismatch    ReasonCode = "HOLDER_MISMATCH"
	ReasonUnknownHolder     ReasonCode = "UNKNOWN_HOLDER"
	ReasonChainInvalid      ReasonCode = "CHAIN_INVALID"
	ReasonScopeWidening     ReasonCode = "SCOPE_WIDENING"
	ReasonScopeMismatch     ReasonCode = "SCOPE_MISMATCH"
	ReasonOutsideTimeWindow ReasonCode = "OUTSIDE_TIME_WINDOW"
	ReasonMalformedGrant    ReasonCode = "MALFORMED_GRANT"
)
