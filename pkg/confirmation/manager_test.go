package confirmation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRequest() contracts.ExecutionRequest {
	return contracts.ExecutionRequest{
		RequestID: "req-1",
		Action: contracts.ActionDescriptor{
			Type:       "db.migrate",
			Target:     "orders",
			Parameters: map[string]any{"version": 42},
		},
		Context: contracts.RequestContext{Environment: "production"},
	}
}

func testDecision() *contracts.RequestConfirmationDecision {
	return &contracts.RequestConfirmationDecision{
		DecisionHeader:           contracts.DecisionHeader{DecisionID: "dec-1", RequestID: "req-1"},
		ConfirmationRequiredFrom: contracts.HolderHuman,
		Scope: contracts.Scope{
			ActionTypes:  []string{"db.migrate"},
			Environments: []string{"production"},
			Targets:      []string{"orders"},
		},
	}
}

func human() contracts.AuthorityHolder {
	return contracts.AuthorityHolder{Type: contracts.HolderHuman, ID: "alice"}
}

func newTestManager() (*Manager, *fakeClock) {
	clk := &fakeClock{now: testNow}
	return NewManager(5 * time.Minute).WithClock(clk.Now), clk
}

func TestIssue(t *testing.T) {
	m, _ := newTestManager()
	c, err := m.Issue(context.Background(), testRequest(), testDecision())
	require.NoError(t, err)

	assert.NotEmpty(t, c.ConfirmationID)
	assert.Equal(t, "req-1", c.RequestID)
	assert.Equal(t, "dec-1", c.DecisionID)
	assert.Equal(t, contracts.ConfirmationPending, c.Status)
	assert.Equal(t, testNow.Add(5*time.Minute), c.ExpiresAt)
	assert.Equal(t, 1, m.PendingCount())

	// Issuing again for the same open request returns the same confirmation.
	again, err := m.Issue(context.Background(), testRequest(), testDecision())
	require.NoError(t, err)
	assert.Equal(t, c.ConfirmationID, again.ConfirmationID)
}

func TestIssueRejectsForeignDecision(t *testing.T) {
	m, _ := newTestManager()
	d := testDecision()
	d.RequestID = "req-other"
	_, err := m.Issue(context.Background(), testRequest(), d)
	require.ErrorIs(t, err, ErrMismatch)

	d = testDecision()
	d.Scope.ActionTypes = []string{"db.read"}
	_, err = m.Issue(context.Background(), testRequest(), d)
	require.ErrorIs(t, err, ErrNotActionScope)
}

func TestRespondApprove(t *testing.T) {
	m, clk := newTestManager()
	c, err := m.Issue(context.Background(), testRequest(), testDecision())
	require.NoError(t, err)

	clk.Advance(time.Minute)
	got, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeExplicitApproval,
		RespondedAt:    testNow.Add(-time.Hour), // ignored
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfirmationApproved, got.Status)
	assert.Equal(t, testNow.Add(time.Minute), got.Response.RespondedAt)

	approved, err := m.Approved(context.Background(), "req-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, c.ConfirmationID, approved.ConfirmationID)
}

func TestDenialIsFinalForTheRequest(t *testing.T) {
	m, clk := newTestManager()
	c, err := m.Issue(context.Background(), testRequest(), testDecision())
	require.NoError(t, err)

	none, err := m.Denied(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeDeny,
		Reason:         "not during business hours",
	})
	require.NoError(t, err)

	// Past the original window the denial still holds.
	clk.Advance(time.Hour)
	denied, err := m.Denied(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, denied)
	assert.Equal(t, c.ConfirmationID, denied.ConfirmationID)
	assert.Equal(t, contracts.ModeDeny, denied.Response.Mode)

	_, err = m.Issue(context.Background(), testRequest(), testDecision())
	require.ErrorIs(t, err, ErrDenied)
	assert.Zero(t, m.PendingCount())

	// A different request is asked about normally.
	other := testRequest()
	other.RequestID = "req-2"
	d := testDecision()
	d.RequestID = "req-2"
	_, err = m.Issue(context.Background(), other, d)
	require.NoError(t, err)
}

func TestRespondRejectsReplay(t *testing.T) {
	m, _ := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())

	resp := contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeDeny,
	}
	_, err := m.Respond(context.Background(), resp)
	require.NoError(t, err)

	resp.Mode = contracts.ModeExplicitApproval
	_, err = m.Respond(context.Background(), resp)
	require.ErrorIs(t, err, ErrReplayed)

	got, err := m.Get(c.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfirmationDenied, got.Status)
}

func TestRespondUnknownRequestRejected(t *testing.T) {
	m, _ := newTestManager()
	_, _ = m.Issue(context.Background(), testRequest(), testDecision())

	_, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		RequestID: "req-unknown",
		Responder: human(),
		Mode:      contracts.ModeExplicitApproval,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRespondMismatchedRequestRejected(t *testing.T) {
	m, _ := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())

	_, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-2",
		Responder:      human(),
		Mode:           contracts.ModeExplicitApproval,
	})
	require.ErrorIs(t, err, ErrMismatch)
}

func TestLateResponseRejected(t *testing.T) {
	m, clk := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())

	clk.Advance(5 * time.Minute)
	_, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeExplicitApproval,
	})
	require.ErrorIs(t, err, ErrExpired)

	got, _ := m.Get(c.ConfirmationID)
	assert.Equal(t, contracts.ConfirmationExpired, got.Status)

	approved, err := m.Approved(context.Background(), "req-1", clk.Now())
	require.NoError(t, err)
	assert.Nil(t, approved)

	// A fresh Issue is needed; the expired one is not reopened.
	fresh, err := m.Issue(context.Background(), testRequest(), testDecision())
	require.NoError(t, err)
	assert.NotEqual(t, c.ConfirmationID, fresh.ConfirmationID)
}

func TestRespondScopeAndResponder(t *testing.T) {
	m, _ := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())

	wider := contracts.Scope{ActionTypes: []string{"db.*"}, Environments: []string{"production"}}
	_, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeExplicitApproval,
		Scope:          &wider,
	})
	require.ErrorIs(t, err, ErrScopeExceeded)

	_, err = m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      contracts.AuthorityHolder{Type: contracts.HolderService, ID: "bot"},
		Mode:           contracts.ModeExplicitApproval,
	})
	require.ErrorIs(t, err, ErrResponderType)

	_, err = m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           "MAYBE",
	})
	require.ErrorIs(t, err, ErrInvalidMode)

	// Rejected responses do not use up the single answer.
	exact := testDecision().Scope
	_, err = m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeEmergencyOverride,
		Scope:          &exact,
	})
	require.NoError(t, err)
}

func TestConsumeOnce(t *testing.T) {
	m, _ := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())

	require.ErrorIs(t, m.Consume(context.Background(), c.ConfirmationID, "req-1", "exec-0"), ErrNotApproved)

	_, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeExplicitApproval,
	})
	require.NoError(t, err)

	require.ErrorIs(t, m.Consume(context.Background(), c.ConfirmationID, "req-2", "exec-1"), ErrMismatch)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Consume(context.Background(), c.ConfirmationID, "req-1", "exec") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, _ := m.Get(c.ConfirmationID)
	assert.Equal(t, contracts.ConfirmationConsumed, got.Status)
	require.NotNil(t, got.ConsumedAt)

	approved, err := m.Approved(context.Background(), "req-1", testNow)
	require.NoError(t, err)
	assert.Nil(t, approved, "consumed approvals are not evidence")
}

func TestExpireSweep(t *testing.T) {
	m, clk := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())

	assert.Empty(t, m.Expire(context.Background(), clk.Now()))

	expired := m.Expire(context.Background(), testNow.Add(6*time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, c.ConfirmationID, expired[0].ConfirmationID)
	assert.Equal(t, 0, m.PendingCount())

	_, err := m.Respond(context.Background(), contracts.ConfirmationResponse{
		ConfirmationID: c.ConfirmationID,
		RequestID:      "req-1",
		Responder:      human(),
		Mode:           contracts.ModeExplicitApproval,
	})
	require.ErrorIs(t, err, ErrExpired)
}

func TestReturnedValuesDoNotAlias(t *testing.T) {
	m, _ := newTestManager()
	c, _ := m.Issue(context.Background(), testRequest(), testDecision())
	c.Status = contracts.ConfirmationApproved

	got, _ := m.Get(c.ConfirmationID)
	assert.Equal(t, contracts.ConfirmationPending, got.Status)
}
