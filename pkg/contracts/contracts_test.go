package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelOrdering(t *testing.T) {
	assert.True(t, RiskCritical.Exceeds(RiskHigh))
	assert.False(t, RiskHigh.Exceeds(RiskHigh))
	assert.True(t, RiskMedium.AtLeast(RiskMedium))
	assert.False(t, RiskLow.AtLeast(RiskMedium))
	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh))
	assert.Equal(t, RiskCritical, MaxRisk(RiskCritical, RiskNone))

	// Unknown levels rank as HIGH so a typo can never lower risk.
	bogus := RiskLevel("SOMEWHAT")
	assert.False(t, bogus.Valid())
	assert.Equal(t, RiskHigh.Rank(), bogus.Rank())
	assert.True(t, bogus.AtLeast(RiskHigh))
}

func TestParseRiskLevel(t *testing.T) {
	l, err := ParseRiskLevel(" medium ")
	require.NoError(t, err)
	assert.Equal(t, RiskMedium, l)

	_, err = ParseRiskLevel("severe")
	require.Error(t, err)
}

func TestEnvelopeCarriesOnlyOneVariant(t *testing.T) {
	approve := &ApproveDecision{
		DecisionHeader:       DecisionHeader{DecisionID: "d-1", RequestID: "req-1"},
		GrantID:              "g-1",
		ExecutionConstraints: ExecutionConstraints{MaxDurationMs: 2000},
	}
	env := Envelope(approve)
	assert.Equal(t, KindApprove, env.Kind)
	assert.Same(t, approve, env.Approve)
	assert.Nil(t, env.Deny)

	b, err := json.Marshal(Envelope(&DenyDecision{DecisionHeader: DecisionHeader{DecisionID: "d-2"}}))
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw, "deny")
	assert.NotContains(t, raw, "approve")
	assert.NotContains(t, string(raw["deny"]), "execution_constraints")
}

func TestConfirmationModeApproves(t *testing.T) {
	assert.True(t, ModeExplicitApproval.Approves())
	assert.True(t, ModeEmergencyOverride.Approves())
	assert.False(t, ModeDeny.Approves())
	assert.False(t, ConfirmationMode("MAYBE").Approves())
}

func TestChainLinks(t *testing.T) {
	root := AuthorityGrant{GrantID: "root"}
	mid := AuthorityGrant{GrantID: "mid", ParentID: "root"}
	leaf := AuthorityGrant{GrantID: "leaf", ParentID: "mid"}

	links := AuthorityChain{Root: root, Delegations: []AuthorityGrant{mid}, Terminal: leaf}.Links()
	require.Len(t, links, 3)
	assert.Equal(t, "leaf", links[2].GrantID)

	// A root presented directly appears once.
	assert.Len(t, AuthorityChain{Root: root, Terminal: root}.Links(), 1)
}

func TestIsBootstrap(t *testing.T) {
	sys := AuthorityHolder{Type: HolderSystem, ID: "helmgate"}
	g := AuthorityGrant{GrantID: "root", GrantedTo: sys, GrantedBy: sys}
	assert.True(t, g.IsBootstrap())

	g.ParentID = "other"
	assert.False(t, g.IsBootstrap())

	g.ParentID = ""
	g.GrantedTo = AuthorityHolder{Type: HolderService, ID: "planner"}
	assert.False(t, g.IsBootstrap())
}

func TestCloneParametersIsDeep(t *testing.T) {
	req := ExecutionRequest{Action: ActionDescriptor{Parameters: map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{"a", map[string]any{"x": 1}},
	}}}
	cp := req.CloneParameters()
	cp["nested"].(map[string]any)["k"] = "changed"
	cp["list"].([]any)[1].(map[string]any)["x"] = 2

	assert.Equal(t, "v", req.Action.Parameters["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, req.Action.Parameters["list"].([]any)[1].(map[string]any)["x"])
	assert.Nil(t, ExecutionRequest{}.CloneParameters())
}

func TestHashViewClearsSealFields(t *testing.T) {
	r := ExecutionReceipt{ExecutionID: "e-1", PrevHash: "p", Hash: "h", Signature: "s", SignerKey: "k"}
	v := r.HashView()
	assert.Equal(t, "p", v.PrevHash)
	assert.Empty(t, v.Hash)
	assert.Empty(t, v.Signature)
	assert.Empty(t, v.SignerKey)
	assert.Equal(t, "h", r.Hash)
}
