// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/executor"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/permission"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/rollback"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/security"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/state"
)

type echoProvider struct{}

func (echoProvider) Execute(ctx context.Context, actionName string, params map[string]interface{}) (capability.Result, error) {
	return capability.Result{Output: map[string]interface{}{"echoed": params}}, nil
}

func (echoProvider) Manifest() capability.Manifest {
	return capability.Manifest{ModuleID: "echo", Actions: []capability.ActionSpec{{Name: "say"}}}
}

func newTestDaemon(t *testing.T, scanners *security.Chain) *Daemon {
	t.Helper()
	reg := capability.NewRegistry()
	reg.Register(echoProvider{})
	perms := permission.NewManager()
	gate := approval.NewGate()
	store := state.NewMemoryStore()
	rb := rollback.New(reg, bridgelog.New("t"), 0)
	exec := executor.New(executor.DefaultConfig(), reg, perms, gate, rb, store, nil, bridgelog.New("t"), nil)
	return New(reg, perms, gate, store, nil, exec, scanners, nil, nil, bridgelog.New("t"))
}

func TestSubmitCompletesPlan(t *testing.T) {
	d := newTestDaemon(t, nil)
	raw := `{"plan_id":"p1","protocol_version":"2.0","actions":[
		{"id":"A","module":"echo","action":"say","params":{"msg":"hi"},"on_error":"abort","timeout_seconds":5}
	]}`

	outcome, err := d.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.False(t, outcome.Rejected)

	st, ok := AwaitSync(outcome.Future, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, plan.PlanCompleted, st.PlanStatus)
}

func TestSubmitRejectedByScannerNeverCreatesActionState(t *testing.T) {
	chain := security.NewChain(rejectEverythingScanner{})
	d := newTestDaemon(t, chain)

	raw := `{"plan_id":"p2","protocol_version":"2.0","description":"malicious",
		"actions":[{"id":"A","module":"echo","action":"say","params":{},"on_error":"abort"}]}`

	outcome, err := d.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.True(t, outcome.Rejected)
	require.NotNil(t, outcome.State.RejectionDetails)
	assert.Equal(t, "scanner_pipeline", outcome.State.RejectionDetails.Source)

	st, err := d.Query(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, st.PlanStatus)
	assert.Empty(t, st.Actions["A"].StartedAt)
}

type rejectEverythingScanner struct{}

func (rejectEverythingScanner) Name() string { return "reject_everything" }
func (rejectEverythingScanner) Scan(p *plan.Plan) security.ScanResult {
	return security.ScanResult{ScannerName: "reject_everything", Verdict: security.VerdictReject, RiskScore: 1}
}

func TestCancelUnknownPlanReturnsError(t *testing.T) {
	d := newTestDaemon(t, nil)
	err := d.Cancel("does-not-exist")
	assert.Error(t, err)
}

func TestQueryNotFound(t *testing.T) {
	d := newTestDaemon(t, nil)
	_, err := d.Query(context.Background(), "missing")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestAwaitSyncTimesOut(t *testing.T) {
	future := make(chan *plan.ExecutionState)
	_, ok := AwaitSync(future, 10*time.Millisecond)
	assert.False(t, ok)
}

func TestSubmitParseErrorReturnsErrorNotOutcome(t *testing.T) {
	d := newTestDaemon(t, nil)
	_, err := d.Submit(context.Background(), `{not json at all`)
	require.Error(t, err)
}

func TestSubmitApproveThenCompletes(t *testing.T) {
	reg := capability.NewRegistry()
	reg.Register(riskyProvider{})
	perms := permission.NewManager()
	gate := approval.NewGate()
	store := state.NewMemoryStore()
	rb := rollback.New(reg, bridgelog.New("t"), 0)
	cfg := executor.DefaultConfig()
	exec := executor.New(cfg, reg, perms, gate, rb, store, nil, bridgelog.New("t"), nil)
	d := New(reg, perms, gate, store, nil, exec, nil, nil, nil, bridgelog.New("t"))

	raw := `{"plan_id":"p3","protocol_version":"2.0","actions":[
		{"id":"A","module":"risky","action":"do","params":{},"on_error":"abort"}
	]}`
	outcome, err := d.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.False(t, outcome.Rejected)

	require.Eventually(t, func() bool {
		return len(d.PendingApprovals("p3")) == 1
	}, time.Second, 5*time.Millisecond)

	ok := d.Approve("p3", "A", approval.Response{Decision: approval.DecisionApprove, ApprovedBy: "bob"})
	require.True(t, ok)

	st, ok := AwaitSync(outcome.Future, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, plan.PlanCompleted, st.PlanStatus)
}

type riskyProvider struct{}

func (riskyProvider) Execute(ctx context.Context, actionName string, params map[string]interface{}) (capability.Result, error) {
	return capability.Result{Output: map[string]interface{}{}}, nil
}
func (riskyProvider) Manifest() capability.Manifest {
	return capability.Manifest{ModuleID: "risky", Actions: []capability.ActionSpec{{Name: "do", RiskLevel: "critical"}}}
}

func TestManifestsReturnsRegisteredModules(t *testing.T) {
	d := newTestDaemon(t, nil)
	manifests := d.Manifests()
	require.Len(t, manifests, 1)
	assert.Equal(t, "echo", manifests[0].ModuleID)
}
