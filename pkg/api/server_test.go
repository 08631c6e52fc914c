package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/api"
	"github.com/Mindburn-Labs/helm-gate/pkg/arbiter"
	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/confirmation"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/gateway"
	"github.com/Mindburn-Labs/helm-gate/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
	"github.com/Mindburn-Labs/helm-gate/pkg/pipeline"
	"github.com/Mindburn-Labs/helm-gate/pkg/policy"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
	"github.com/Mindburn-Labs/helm-gate/pkg/risk"
	"github.com/Mindburn-Labs/helm-gate/pkg/simulation"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var (
	planner  = contracts.AuthorityHolder{Type: contracts.HolderService, ID: "planner"}
	alice    = contracts.AuthorityHolder{Type: contracts.HolderHuman, ID: "alice"}
	bob      = contracts.AuthorityHolder{Type: contracts.HolderHuman, ID: "bob"}
	intruder = contracts.AuthorityHolder{Type: contracts.HolderService, ID: "intruder"}
)

type env struct {
	t      *testing.T
	srv    *httptest.Server
	auth   *api.HolderAuth
	ks     *killswitch.Memory
	ledger *ledger.MemoryLedger
	health error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, true)
}

func newEnvWith(t *testing.T, sealRegistry bool) *env {
	t.Helper()
	clock := func() time.Time { return testNow }
	e := &env{t: t, ks: killswitch.NewMemory(true), ledger: ledger.NewMemoryLedger()}

	expires := testNow.Add(time.Hour)
	grants := authority.NewMemoryGrantStore(
		contracts.AuthorityGrant{
			GrantID:   "root",
			GrantedTo: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
			GrantedBy: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
			Scope:     contracts.Scope{ActionTypes: []string{"*"}, Environments: []string{"*"}},
			IssuedAt:  testNow.Add(-24 * time.Hour),
		},
		contracts.AuthorityGrant{
			GrantID:   "agent",
			ParentID:  "root",
			GrantedTo: planner,
			GrantedBy: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
			Scope:     contracts.Scope{ActionTypes: []string{"file.*"}, Environments: []string{"staging"}},
			IssuedAt:  testNow.Add(-time.Hour),
			ExpiresAt: &expires,
			Revocable: true,
		},
		contracts.AuthorityGrant{
			GrantID:   "operator",
			ParentID:  "root",
			GrantedTo: bob,
			GrantedBy: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
			Scope:     contracts.Scope{ActionTypes: []string{"file.*"}, Environments: []string{"staging"}},
			IssuedAt:  testNow.Add(-time.Hour),
			ExpiresAt: &expires,
			Revocable: true,
		},
	)
	consumption := authority.NewMemoryConsumptionStore()
	checker := authority.NewChecker(grants, consumption).WithClock(clock)

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Entry{
		ActionType: "file.write",
		Adapter: registry.AdapterFunc(func(_ context.Context, params map[string]any) (registry.Result, error) {
			return registry.Result{Output: map[string]any{"written": params["content"]}}, nil
		}),
	}))
	if sealRegistry {
		_, err := reg.Seal()
		require.NoError(t, err)
	}

	arb := arbiter.New(policy.NewEvaluator(policy.RequireJustification()), checker, risk.DefaultAssessor(nil)).
		WithClock(clock)
	sims := simulation.NewRunner(simulation.HeuristicSimulator{}, nil).WithClock(clock)
	confs := confirmation.NewManager(5 * time.Minute).WithClock(clock)
	gw := gateway.New(e.ks, checker, consumption, reg, e.ledger).WithClock(clock)
	p := pipeline.New(arb, sims, confs, gw).WithClock(clock)

	e.auth = api.NewHolderAuth([]byte("test-secret-0123456789abcdef")).WithClock(clock)
	s := api.NewServer(p, e.ledger, e.ks, e.auth).WithHealth(func() error { return e.health })
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) token(h contracts.AuthorityHolder) string {
	tok, err := e.auth.Issue(h, time.Hour)
	require.NoError(e.t, err)
	return tok
}

func (e *env) do(method, path string, as *contracts.AuthorityHolder, body any, out any) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*as))
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type submitted struct {
	Decision     contracts.DecisionEnvelope     `json:"decision"`
	Confirmation *contracts.ConfirmationRequest `json:"confirmation"`
}

type executed struct {
	Receipt contracts.ExecutionReceipt `json:"receipt"`
	Output  map[string]any             `json:"output"`
}

func writeRequest(id string, rev contracts.Reversibility) contracts.ExecutionRequest {
	return contracts.ExecutionRequest{
		RequestID: id,
		Action: contracts.ActionDescriptor{
			Type:                   "file.write",
			Target:                 "/srv/app/config.yaml",
			Parameters:             map[string]any{"content": "debug: false"},
			EstimatedReversibility: rev,
		},
		Justification: contracts.Justification{ProposedBy: "planner", Reason: "rotate config", Confidence: 0.9},
		Authority:     contracts.AuthorityRef{GrantID: "agent"},
		Context:       contracts.RequestContext{Environment: "staging"},
		RequestedAt:   testNow,
	}
}

func decisionID(env contracts.DecisionEnvelope) string {
	switch {
	case env.Approve != nil:
		return env.Approve.DecisionID
	case env.Simulate != nil:
		return env.Simulate.DecisionID
	case env.RequestConfirmation != nil:
		return env.RequestConfirmation.DecisionID
	case env.Defer != nil:
		return env.Defer.DecisionID
	case env.Deny != nil:
		return env.Deny.DecisionID
	}
	return ""
}

func TestHealthzIsPublic(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/healthz", nil, nil, nil))

	e.health = errors.New("gateway halted")
	assert.Equal(t, http.StatusServiceUnavailable, e.do(http.MethodGet, "/healthz", nil, nil, nil))
}

func TestRoutesRequireAuthentication(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/v1/requests", nil, writeRequest("req-1", contracts.Reversible), nil))
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/v1/killswitch", nil, nil, nil))

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/receipts", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNilAuthFailsClosed(t *testing.T) {
	s := api.NewServer(nil, nil, killswitch.NewMemory(true), api.NewHolderAuth(nil))
	req := httptest.NewRequest(http.MethodGet, "/v1/killswitch", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitAndExecute(t *testing.T) {
	e := newEnv(t)

	var sub submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest("req-1", contracts.Reversible), &sub))
	require.Equal(t, contracts.KindApprove, sub.Decision.Kind)
	require.NotNil(t, sub.Decision.Approve)
	assert.Equal(t, "agent", sub.Decision.Approve.GrantID)

	// Another holder cannot spend the planner's decision.
	assert.Equal(t, http.StatusForbidden,
		e.do(http.MethodPost, "/v1/decisions/"+decisionID(sub.Decision)+"/execute", &intruder, nil, nil))

	var ex executed
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/decisions/"+decisionID(sub.Decision)+"/execute", &planner, nil, &ex))
	assert.Equal(t, contracts.ResultSuccess, ex.Receipt.Result)
	assert.Equal(t, planner, ex.Receipt.Authority.Holder)
	assert.Equal(t, "debug: false", ex.Output["written"])

	var receipts []contracts.ExecutionReceipt
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/receipts?request_id=req-1", &planner, nil, &receipts))
	require.Len(t, receipts, 1)
	assert.Equal(t, ex.Receipt.Hash, receipts[0].Hash)

	var one contracts.ExecutionReceipt
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/receipts/"+ex.Receipt.ExecutionID, &planner, nil, &one))
	assert.Equal(t, uint64(1), one.Sequence)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/receipts/exec-missing", &planner, nil, nil))

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/v1/decisions/nope/execute", &planner, nil, nil))
}

func TestSubmitRejectsForeignHolder(t *testing.T) {
	e := newEnv(t)
	req := writeRequest("req-1", contracts.Reversible)
	req.Authority.Holder = planner
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/requests", &intruder, req, nil))
	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, nil))
}

func TestSubmitConflictAndBadBody(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest("req-1", contracts.Reversible), nil))

	changed := writeRequest("req-1", contracts.Reversible)
	changed.Action.Target = "/etc/passwd"
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/v1/requests", &planner, changed, nil))

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/requests", &planner, map[string]any{"bogus": 1}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest("", contracts.Reversible), nil))
}

func TestIrreversibleFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	req := writeRequest("req-9", contracts.Irreversible)

	var sub submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, &sub))
	require.Equal(t, contracts.KindSimulate, sub.Decision.Kind)

	var sim contracts.SimulationResult
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests/req-9/simulate", &planner, nil, &sim))
	assert.Equal(t, contracts.RecommendProceed, sim.Recommendation)

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, &sub))
	require.Equal(t, contracts.KindRequestConfirmation, sub.Decision.Kind)
	require.NotNil(t, sub.Confirmation)
	respondPath := "/v1/confirmations/" + sub.Confirmation.ConfirmationID + "/respond"
	answer := map[string]any{"request_id": "req-9", "mode": contracts.ModeExplicitApproval}

	// The agent cannot approve its own request.
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, respondPath, &planner, answer, nil))

	var c contracts.ConfirmationRequest
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, respondPath, &alice, answer, &c))
	assert.Equal(t, contracts.ConfirmationApproved, c.Status)
	require.NotNil(t, c.Response)
	assert.Equal(t, alice, c.Response.Responder)

	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, respondPath, &alice, answer, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/v1/confirmations/missing/respond", &alice, answer, nil))

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, &sub))
	require.Equal(t, contracts.KindApprove, sub.Decision.Kind)

	var ex executed
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/decisions/"+decisionID(sub.Decision)+"/execute", &planner, nil, &ex))
	assert.Equal(t, contracts.ResultSuccess, ex.Receipt.Result)
	assert.Equal(t, contracts.ModeExplicitApproval, ex.Receipt.ConfirmationMode)
}

func TestHumanCannotConfirmOwnRequest(t *testing.T) {
	e := newEnv(t)
	req := writeRequest("req-7", contracts.Irreversible)
	req.Authority.GrantID = "operator"

	var sub submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &bob, req, &sub))
	require.Equal(t, contracts.KindSimulate, sub.Decision.Kind)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests/req-7/simulate", &bob, nil, nil))
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &bob, req, &sub))
	require.NotNil(t, sub.Confirmation)

	respondPath := "/v1/confirmations/" + sub.Confirmation.ConfirmationID + "/respond"
	answer := map[string]any{"request_id": "req-7", "mode": contracts.ModeExplicitApproval}
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, respondPath, &bob, answer, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, respondPath, &alice,
		map[string]any{"request_id": "req-unknown", "mode": contracts.ModeExplicitApproval}, nil))

	var c contracts.ConfirmationRequest
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, respondPath, &alice, answer, &c))
	assert.Equal(t, contracts.ConfirmationApproved, c.Status)
}

func TestDeniedRequestCannotBeReopened(t *testing.T) {
	e := newEnv(t)
	req := writeRequest("req-8", contracts.Irreversible)

	var sub submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, &sub))
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests/req-8/simulate", &planner, nil, nil))
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, &sub))
	require.NotNil(t, sub.Confirmation)

	respondPath := "/v1/confirmations/" + sub.Confirmation.ConfirmationID + "/respond"
	deny := map[string]any{"request_id": "req-8", "mode": contracts.ModeDeny}
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, respondPath, &alice, deny, nil))

	var again submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, req, &again))
	assert.Equal(t, contracts.KindDeny, again.Decision.Kind)
	assert.Nil(t, again.Confirmation)
	require.NotNil(t, again.Decision.Deny)
	assert.Contains(t, again.Decision.Deny.ReasonCodes, contracts.ReasonConfirmationDenied)
}

func TestSimulateErrors(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/v1/requests/none/simulate", &planner, nil, nil))

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest("req-1", contracts.Reversible), nil))
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/v1/requests/req-1/simulate", &planner, nil, nil))
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/requests/req-1/simulate", &intruder, nil, nil))
}

func TestKillSwitchRoutes(t *testing.T) {
	e := newEnv(t)

	var st killswitch.State
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/killswitch", &planner, nil, &st))
	assert.True(t, st.Enabled)

	off := map[string]any{"enabled": false}
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPut, "/v1/killswitch", &planner, off, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPut, "/v1/killswitch", &alice, map[string]any{}, nil))

	require.Equal(t, http.StatusOK, e.do(http.MethodPut, "/v1/killswitch", &alice, off, &st))
	assert.False(t, st.Enabled)
	assert.Equal(t, "HUMAN:alice", st.ChangedBy)

	var sub submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest("req-1", contracts.Reversible), &sub))
	var ex executed
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/decisions/"+decisionID(sub.Decision)+"/execute", &planner, nil, &ex))
	assert.Equal(t, contracts.ResultBlocked, ex.Receipt.Result)
	assert.Equal(t, contracts.BlockKillSwitch, ex.Receipt.Reason)
}

func TestReceiptScanParams(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		var sub submitted
		require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest(id, contracts.Reversible), &sub))
		require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/decisions/"+decisionID(sub.Decision)+"/execute", &planner, nil, nil))
	}

	var page []contracts.ExecutionReceipt
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/receipts?from=2&limit=5", &planner, nil, &page))
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].Sequence)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/v1/receipts?from=0", &planner, nil, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/v1/receipts?limit=5000", &planner, nil, nil))
}

func TestExecuteOnHaltedGatewayIs503(t *testing.T) {
	e := newEnvWith(t, false)

	var sub submitted
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/requests", &planner, writeRequest("req-1", contracts.Reversible), &sub))
	require.Equal(t, contracts.KindApprove, sub.Decision.Kind)

	// An unsealed registry cannot be trusted: no receipt, gateway halts.
	path := "/v1/decisions/" + decisionID(sub.Decision) + "/execute"
	assert.Equal(t, http.StatusServiceUnavailable, e.do(http.MethodPost, path, &planner, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, e.do(http.MethodPost, path, &planner, nil, nil))

	_, n, err := e.ledger.Head(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
