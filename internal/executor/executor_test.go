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

package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/permission"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/rollback"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/state"
)

// fakeProvider is a minimal capability.Provider double whose behavior is
// scripted per action name, so one provider can stand in for the whole
// fake filesystem module a test plan drives.
type fakeProvider struct {
	moduleID string
	manifest capability.Manifest
	handlers map[string]func(params map[string]interface{}) (capability.Result, error)

	mu    sync.Mutex
	calls []string
}

func (p *fakeProvider) Execute(ctx context.Context, actionName string, params map[string]interface{}) (capability.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, actionName)
	p.mu.Unlock()

	h, ok := p.handlers[actionName]
	if !ok {
		return capability.Result{}, fmt.Errorf("fakeProvider: no handler for %q", actionName)
	}
	return h(params)
}

func (p *fakeProvider) Manifest() capability.Manifest { return p.manifest }

func newTestExecutor(t *testing.T, cfg Config, reg *capability.Registry) (*Executor, *approval.Gate, state.Store) {
	t.Helper()
	gate := approval.NewGate()
	store := state.NewMemoryStore()
	perms := permission.NewManager()
	rb := rollback.New(reg, bridgelog.New("test_rollback"), 0)
	exec := New(cfg, reg, perms, gate, rb, store, nil, bridgelog.New("test_executor"), nil)
	return exec, gate, store
}

func TestExecuteReadTransformWriteChain(t *testing.T) {
	reg := capability.NewRegistry()
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{
			{Name: "read_file"}, {Name: "transform"}, {Name: "write_file"},
		}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"read_file": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{"content": "hello"}}, nil
			},
			"transform": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{"output": "HELLO"}}, nil
			},
			"write_file": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{"written": params["content"]}}, nil
			},
		},
	}
	reg.Register(fs)

	p := &plan.Plan{
		PlanID: "p-chain",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "read_file", OnError: plan.OnErrorAbort},
			{ID: "B", Module: "filesystem", ActionName: "transform", DependsOn: []string{"A"}, OnError: plan.OnErrorAbort},
			{ID: "C", Module: "filesystem", ActionName: "write_file", DependsOn: []string{"B"}, OnError: plan.OnErrorAbort,
				Params: map[string]interface{}{"content": "{{result.B.output}}"}},
		},
	}

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, plan.PlanCompleted, st.PlanStatus)
	assert.Equal(t, "HELLO", st.Actions["C"].Result.(map[string]interface{})["written"])
}

func TestExecuteBranchParallelismIndependentActions(t *testing.T) {
	reg := capability.NewRegistry()
	var concurrent int32
	var maxSeen int32
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{{Name: "noop"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"noop": func(params map[string]interface{}) (capability.Result, error) {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return capability.Result{Output: map[string]interface{}{}}, nil
			},
		},
	}
	reg.Register(fs)

	p := &plan.Plan{
		PlanID: "p-branch",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "noop", OnError: plan.OnErrorAbort},
			{ID: "B", Module: "filesystem", ActionName: "noop", OnError: plan.OnErrorAbort},
			{ID: "C", Module: "filesystem", ActionName: "noop", OnError: plan.OnErrorAbort},
		},
	}

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanCompleted, st.PlanStatus)
	assert.GreaterOrEqual(t, int(maxSeen), 2)
}

func TestExecutePermissionNotGrantedFailsAction(t *testing.T) {
	reg := capability.NewRegistry()
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{
			{Name: "write_file", Permissions: []string{"filesystem.write"}},
		}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"write_file": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{}}, nil
			},
		},
	}
	reg.Register(fs)

	gate := approval.NewGate()
	store := state.NewMemoryStore()
	rb := rollback.New(reg, bridgelog.New("t"), 0)
	exec := New(DefaultConfig(), reg, permission.NewManager(), gate, rb, store, nil, bridgelog.New("t"), nil)

	p := &plan.Plan{
		PlanID: "p-perm",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "write_file", OnError: plan.OnErrorAbort},
		},
	}
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, st.PlanStatus)
	assert.Contains(t, st.Actions["A"].Error, "permission")
}

func TestExecuteApprovalApproveCompletesPlan(t *testing.T) {
	reg := capability.NewRegistry()
	fs := &fakeProvider{
		moduleID: "process",
		manifest: capability.Manifest{ModuleID: "process", Actions: []capability.ActionSpec{{Name: "kill", RiskLevel: "high"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"kill": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{"killed": true}}, nil
			},
		},
	}
	reg.Register(fs)

	exec, gate, _ := newTestExecutor(t, DefaultConfig(), reg)

	p := &plan.Plan{
		PlanID: "p-approve",
		Actions: []plan.Action{
			{ID: "A", Module: "process", ActionName: "kill", OnError: plan.OnErrorAbort},
		},
	}

	done := make(chan *plan.ExecutionState, 1)
	go func() {
		st, _ := exec.Execute(context.Background(), p)
		done <- st
	}()

	require.Eventually(t, func() bool {
		return len(gate.GetPending("p-approve")) == 1
	}, time.Second, 5*time.Millisecond)

	ok := gate.SubmitDecision("p-approve", "A", approval.Response{Decision: approval.DecisionApprove, ApprovedBy: "alice"})
	require.True(t, ok)

	st := <-done
	assert.Equal(t, plan.PlanCompleted, st.PlanStatus)
	assert.Equal(t, plan.ActionCompleted, st.Actions["A"].Status)
	assert.Equal(t, "alice", st.Actions["A"].Approval.ApprovedBy)
}

func TestExecuteApprovalTimeoutReject(t *testing.T) {
	reg := capability.NewRegistry()
	fs := &fakeProvider{
		moduleID: "process",
		manifest: capability.Manifest{ModuleID: "process", Actions: []capability.ActionSpec{{Name: "kill", RiskLevel: "high"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"kill": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{}}, nil
			},
		},
	}
	reg.Register(fs)

	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 50 * time.Millisecond
	cfg.ApprovalTimeoutBehavior = approval.TimeoutReject
	exec, _, _ := newTestExecutor(t, cfg, reg)

	p := &plan.Plan{
		PlanID: "p-timeout",
		Actions: []plan.Action{
			{ID: "A", Module: "process", ActionName: "kill", OnError: plan.OnErrorAbort},
		},
	}
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, st.PlanStatus)
	assert.Contains(t, st.Actions["A"].Error, "timed out")
}

func TestExecuteRollbackOnFailure(t *testing.T) {
	reg := capability.NewRegistry()
	var deleted bool
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{
			{Name: "write_file"}, {Name: "delete_file"},
		}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"write_file": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{}, fmt.Errorf("disk full")
			},
			"delete_file": func(params map[string]interface{}) (capability.Result, error) {
				deleted = true
				return capability.Result{Output: map[string]interface{}{"path": params["path"]}}, nil
			},
		},
	}
	reg.Register(fs)

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)

	p := &plan.Plan{
		PlanID: "p-rollback",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "write_file", OnError: plan.OnErrorRollback,
				Rollback: &plan.RollbackRef{ActionID: "B", Params: map[string]interface{}{"path": "/tmp/x"}}},
			{ID: "B", Module: "filesystem", ActionName: "delete_file",
				Params: map[string]interface{}{"path": "/tmp/x"}},
		},
	}
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, st.PlanStatus)
	assert.Equal(t, plan.ActionRolledBack, st.Actions["A"].Status)
	assert.True(t, deleted)
}

func TestExecuteRetryExhaustsThenAborts(t *testing.T) {
	reg := capability.NewRegistry()
	var attempts int32
	fs := &fakeProvider{
		moduleID: "net",
		manifest: capability.Manifest{ModuleID: "net", Actions: []capability.ActionSpec{{Name: "fetch"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"fetch": func(params map[string]interface{}) (capability.Result, error) {
				atomic.AddInt32(&attempts, 1)
				return capability.Result{}, fmt.Errorf("connection refused")
			},
		},
	}
	reg.Register(fs)

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)
	p := &plan.Plan{
		PlanID: "p-retry",
		Actions: []plan.Action{
			{ID: "A", Module: "net", ActionName: "fetch", OnError: plan.OnErrorRetry, RetryCount: 2},
		},
	}
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, st.PlanStatus)
	assert.Equal(t, 3, int(attempts)) // initial attempt + 2 retries
	assert.Equal(t, 3, st.Actions["A"].Attempt)
}

func TestExecuteContinueAllowsOtherBranchesAndEndsFailed(t *testing.T) {
	reg := capability.NewRegistry()
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{{Name: "read_file"}, {Name: "ok"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"read_file": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{}, fmt.Errorf("not found")
			},
			"ok": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{}}, nil
			},
		},
	}
	reg.Register(fs)

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)
	p := &plan.Plan{
		PlanID: "p-continue",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "read_file", OnError: plan.OnErrorContinue},
			{ID: "B", Module: "filesystem", ActionName: "ok", OnError: plan.OnErrorAbort},
		},
	}
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, st.PlanStatus)
	assert.Equal(t, plan.ActionFailed, st.Actions["A"].Status)
	assert.Equal(t, plan.ActionCompleted, st.Actions["B"].Status)
}

func TestExecuteSkipDropsDescendants(t *testing.T) {
	reg := capability.NewRegistry()
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{{Name: "read_file"}, {Name: "ok"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"read_file": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{}, fmt.Errorf("not found")
			},
			"ok": func(params map[string]interface{}) (capability.Result, error) {
				return capability.Result{Output: map[string]interface{}{}}, nil
			},
		},
	}
	reg.Register(fs)

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)
	p := &plan.Plan{
		PlanID: "p-skip",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "read_file", OnError: plan.OnErrorSkip},
			{ID: "B", Module: "filesystem", ActionName: "ok", DependsOn: []string{"A"}, OnError: plan.OnErrorAbort},
		},
	}
	st, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanCompleted, st.PlanStatus)
	assert.Equal(t, plan.ActionSkipped, st.Actions["A"].Status)
	assert.Equal(t, plan.ActionSkipped, st.Actions["B"].Status)
}

func TestExecuteCancellationEndsPlanCancelled(t *testing.T) {
	reg := capability.NewRegistry()
	release := make(chan struct{})
	fs := &fakeProvider{
		moduleID: "filesystem",
		manifest: capability.Manifest{ModuleID: "filesystem", Actions: []capability.ActionSpec{{Name: "slow"}}},
		handlers: map[string]func(map[string]interface{}) (capability.Result, error){
			"slow": func(params map[string]interface{}) (capability.Result, error) {
				<-release
				return capability.Result{Output: map[string]interface{}{}}, nil
			},
		},
	}
	reg.Register(fs)

	exec, _, _ := newTestExecutor(t, DefaultConfig(), reg)
	ctx, cancel := context.WithCancel(context.Background())
	p := &plan.Plan{
		PlanID: "p-cancel",
		Actions: []plan.Action{
			{ID: "A", Module: "filesystem", ActionName: "slow", OnError: plan.OnErrorAbort},
		},
	}

	done := make(chan *plan.ExecutionState, 1)
	go func() {
		st, _ := exec.Execute(ctx, p)
		done <- st
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case st := <-done:
		assert.Equal(t, plan.PlanCancelled, st.PlanStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("plan did not terminate after cancellation")
	}
	close(release)
}
