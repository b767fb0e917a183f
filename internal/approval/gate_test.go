package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestApprovalResolvedBySubmit(t *testing.T) {
	g := NewGate()
	done := make(chan Response, 1)

	go func() {
		done <- g.RequestApproval(Request{PlanID: "p1", ActionID: "a1", Module: "fs", ActionName: "write"}, time.Second, TimeoutReject)
	}()

	require.Eventually(t, func() bool {
		return len(g.GetPending("p1")) == 1
	}, time.Second, time.Millisecond)

	ok := g.SubmitDecision("p1", "a1", Response{Decision: DecisionApprove, ApprovedBy: "alice"})
	require.True(t, ok)

	resp := <-done
	assert.Equal(t, DecisionApprove, resp.Decision)
	assert.Empty(t, g.GetPending("p1"))
}

func TestSubmitDecisionSecondCallLoses(t *testing.T) {
	g := NewGate()
	go g.RequestApproval(Request{PlanID: "p1", ActionID: "a1"}, time.Second, TimeoutReject)

	require.Eventually(t, func() bool { return len(g.GetPending("")) == 1 }, time.Second, time.Millisecond)

	first := g.SubmitDecision("p1", "a1", Response{Decision: DecisionApprove})
	second := g.SubmitDecision("p1", "a1", Response{Decision: DecisionReject})
	assert.True(t, first)
	assert.False(t, second)
}

func TestSubmitDecisionNoMatch(t *testing.T) {
	g := NewGate()
	ok := g.SubmitDecision("missing", "missing", Response{Decision: DecisionApprove})
	assert.False(t, ok)
}

func TestRequestApprovalTimeoutReject(t *testing.T) {
	g := NewGate()
	resp := g.RequestApproval(Request{PlanID: "p1", ActionID: "a1"}, 10*time.Millisecond, TimeoutReject)
	assert.Equal(t, DecisionReject, resp.Decision)
	assert.Contains(t, resp.Reason, "timed out")
}

func TestRequestApprovalTimeoutSkip(t *testing.T) {
	g := NewGate()
	resp := g.RequestApproval(Request{PlanID: "p1", ActionID: "a1"}, 10*time.Millisecond, TimeoutSkip)
	assert.Equal(t, DecisionSkip, resp.Decision)
}

func TestApproveAlwaysRegistersAutoApprove(t *testing.T) {
	g := NewGate()
	go g.RequestApproval(Request{PlanID: "p1", ActionID: "a1", Module: "fs", ActionName: "delete"}, time.Second, TimeoutReject)

	require.Eventually(t, func() bool { return len(g.GetPending("")) == 1 }, time.Second, time.Millisecond)
	g.SubmitDecision("p1", "a1", Response{Decision: DecisionApproveAlways})

	require.Eventually(t, func() bool { return g.IsAutoApproved("fs", "delete") }, time.Second, time.Millisecond)

	g.ClearAutoApprovals()
	assert.False(t, g.IsAutoApproved("fs", "delete"))
}

func TestGetPendingIndependentKeys(t *testing.T) {
	g := NewGate()
	go g.RequestApproval(Request{PlanID: "p1", ActionID: "a1"}, time.Second, TimeoutReject)
	go g.RequestApproval(Request{PlanID: "p1", ActionID: "a2"}, time.Second, TimeoutReject)

	require.Eventually(t, func() bool { return len(g.GetPending("p1")) == 2 }, time.Second, time.Millisecond)

	g.SubmitDecision("p1", "a1", Response{Decision: DecisionApprove})
	require.Eventually(t, func() bool { return len(g.GetPending("p1")) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "a2", g.GetPending("p1")[0].ActionID)
}
