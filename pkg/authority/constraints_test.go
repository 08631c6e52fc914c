package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

func chainOf(grants ...contracts.AuthorityGrant) contracts.AuthorityChain {
	c := contracts.AuthorityChain{Root: grants[0], Terminal: grants[len(grants)-1]}
	if len(grants) > 2 {
		c.Delegations = grants[1 : len(grants)-1]
	}
	return c
}

func TestEffectiveConstraints_NeverWiderThanChain(t *testing.T) {
	ops := opsGrant() // 5000ms
	agent := agentGrant()

	got := EffectiveConstraints(chainOf(rootGrant(), ops, agent), 30*time.Second)
	assert.Equal(t, int64(5000), got.MaxDurationMs, "default capped by ancestor")

	agent.Limits.MaxDurationMs = 60000
	got = EffectiveConstraints(chainOf(rootGrant(), ops, agent), 30*time.Second)
	assert.Equal(t, int64(5000), got.MaxDurationMs, "explicit limit capped by ancestor")

	agent.Limits.MaxDurationMs = 1000
	got = EffectiveConstraints(chainOf(rootGrant(), ops, agent), 30*time.Second)
	assert.Equal(t, int64(1000), got.MaxDurationMs)

	got = EffectiveConstraints(chainOf(rootGrant()), 30*time.Second)
	assert.Equal(t, int64(30000), got.MaxDurationMs, "default when unset")
}

func TestEffectiveConstraints_SideEffects(t *testing.T) {
	ops := opsGrant()
	ops.Limits.AllowedSideEffects = []string{"fs.write", "net.egress"}
	agent := agentGrant()

	got := EffectiveConstraints(chainOf(rootGrant(), ops, agent), time.Second)
	assert.Equal(t, []string{"fs.write", "net.egress"}, got.AllowedSideEffects, "inherits ancestor restriction")

	agent.Limits.AllowedSideEffects = []string{"fs.write", "fs.delete"}
	got = EffectiveConstraints(chainOf(rootGrant(), ops, agent), time.Second)
	assert.Equal(t, []string{"fs.write"}, got.AllowedSideEffects)

	agent.Limits.AllowedSideEffects = []string{"fs.delete"}
	got = EffectiveConstraints(chainOf(rootGrant(), ops, agent), time.Second)
	assert.NotNil(t, got.AllowedSideEffects)
	assert.Empty(t, got.AllowedSideEffects, "disjoint lists allow nothing")

	got = EffectiveConstraints(chainOf(rootGrant(), opsGrant(), agentGrant()), time.Second)
	assert.Nil(t, got.AllowedSideEffects, "unrestricted")
}

func TestMaxRisk_Tightest(t *testing.T) {
	ops := opsGrant()
	ops.Constraints = []contracts.Constraint{{Kind: contracts.ConstraintMaxRisk, MaxRisk: contracts.RiskMedium}}
	agent := agentGrant()
	agent.Constraints = []contracts.Constraint{{Kind: contracts.ConstraintMaxRisk, MaxRisk: contracts.RiskHigh}}

	lvl, ok := MaxRisk(chainOf(rootGrant(), ops, agent))
	assert.True(t, ok)
	assert.Equal(t, contracts.RiskMedium, lvl)

	_, ok = MaxRisk(chainOf(rootGrant(), opsGrant(), agentGrant()))
	assert.False(t, ok)
}

func TestRequiresConfirmation_Inherited(t *testing.T) {
	ops := opsGrant()
	ops.Constraints = []contracts.Constraint{{Kind: contracts.ConstraintRequiresConfirmation}}
	assert.True(t, RequiresConfirmation(chainOf(rootGrant(), ops, agentGrant())))
	assert.False(t, RequiresConfirmation(chainOf(rootGrant(), opsGrant(), agentGrant())))
}
