package authority

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Constraints on any link of a chain bind the whole chain: a delegation can
// only narrow what its ancestors allow.

// RequiresConfirmation reports whether any link carries REQUIRES_CONFIRMATION.
func RequiresConfirmation(chain contracts.AuthorityChain) bool {
	for _, g := range chain.Links() {
		if g.HasConstraint(contracts.ConstraintRequiresConfirmation) {
			return true
		}
	}
	return false
}

// MaxRisk returns the tightest MAX_RISK across the chain.
func MaxRisk(chain contracts.AuthorityChain) (contracts.RiskLevel, bool) {
	var (
		limit contracts.RiskLevel
		found bool
	)
	for _, g := range chain.Links() {
		c, ok := g.Constraint(contracts.ConstraintMaxRisk)
		if !ok {
			continue
		}
		if !found || limit.Exceeds(c.MaxRisk) {
			limit = c.MaxRisk
		}
		found = true
	}
	return limit, found
}

// OneTimeGrants returns the ids of every ONE_TIME_USE link, sorted. A
// one-time grant is spent by the first execution through it, whether it is
// presented directly or through a delegation.
func OneTimeGrants(chain contracts.AuthorityChain) []string {
	var ids []string
	for _, g := range chain.Links() {
		if g.HasConstraint(contracts.ConstraintOneTimeUse) {
			ids = append(ids, g.GrantID)
		}
	}
	sort.Strings(ids)
	return ids
}

// inTimeWindow reports whether now falls in [start, end) on the UTC clock.
// Windows with end < start wrap midnight.
func inTimeWindow(c contracts.Constraint, now time.Time) (bool, error) {
	start, err := parseClock(c.WindowStart)
	if err != nil {
		return false, err
	}
	end, err := parseClock(c.WindowEnd)
	if err != nil {
		return false, err
	}
	utc := now.UTC()
	m := utc.Hour()*60 + utc.Minute()
	if start <= end {
		return m >= start && m < end, nil
	}
	return m >= start || m < end, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time window bound %q is not HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("time window bound %q has invalid hour", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("time window bound %q has invalid minute", s)
	}
	return hh*60 + mm, nil
}

// EffectiveConstraints derives execution constraints from the chain's
// declared limits. defaultMaxDuration fills in only when the presented grant
// leaves it unset; every ancestor limit caps the result.
func EffectiveConstraints(chain contracts.AuthorityChain, defaultMaxDuration time.Duration) contracts.ExecutionConstraints {
	t := chain.Terminal.Limits
	out := contracts.ExecutionConstraints{
		MaxDurationMs:      t.MaxDurationMs,
		MaxRetries:         t.MaxRetries,
		AllowedSideEffects: append([]string(nil), t.AllowedSideEffects...),
	}
	if out.MaxDurationMs <= 0 {
		out.MaxDurationMs = defaultMaxDuration.Milliseconds()
	}
	// nil means unrestricted; a non-nil empty list allows nothing.
	restricted := len(t.AllowedSideEffects) > 0

	for _, g := range chain.Links() {
		if g.GrantID == chain.Terminal.GrantID {
			continue
		}
		l := g.Limits
		if l.MaxDurationMs > 0 && l.MaxDurationMs < out.MaxDurationMs {
			out.MaxDurationMs = l.MaxDurationMs
		}
		if l.MaxRetries > 0 && (out.MaxRetries == 0 || l.MaxRetries < out.MaxRetries) {
			out.MaxRetries = l.MaxRetries
		}
		if len(l.AllowedSideEffects) == 0 {
			continue
		}
		if !restricted {
			out.AllowedSideEffects = append([]string{}, l.AllowedSideEffects...)
			restricted = true
			continue
		}
		out.AllowedSideEffects = intersectSideEffects(out.AllowedSideEffects, l.AllowedSideEffects)
	}
	return out
}

func intersectSideEffects(current, ancestor []string) []string {
	allowed := make(map[string]bool, len(ancestor))
	for _, a := range ancestor {
		allowed[normalize(a)] = true
	}
	out := make([]string, 0, len(current))
	for _, c := range current {
		if allowed[normalize(c)] {
			out = append(out, c)
		}
	}
	return out
}
