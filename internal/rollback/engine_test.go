package rollback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

type stubProvider struct {
	moduleID  string
	calls     []map[string]interface{}
	failWith  error
}

func (p *stubProvider) Execute(ctx context.Context, actionName string, params map[string]interface{}) (capability.Result, error) {
	p.calls = append(p.calls, params)
	if p.failWith != nil {
		return capability.Result{}, p.failWith
	}
	return capability.Result{Output: map[string]interface{}{"ok": true}}, nil
}

func (p *stubProvider) Manifest() capability.Manifest {
	return capability.Manifest{
		ModuleID: p.moduleID,
		Version:  "1.0",
		Actions:  []capability.ActionSpec{{Name: "delete_backup"}},
	}
}

func samplePlan() *plan.Plan {
	return &plan.Plan{
		PlanID: "p1",
		Actions: []plan.Action{
			{
				ID: "write", Module: "filesystem", ActionName: "write",
				Rollback: &plan.RollbackRef{ActionID: "undo_write"},
			},
			{
				ID: "undo_write", Module: "filesystem", ActionName: "delete_backup",
				Params: map[string]interface{}{"path": "{{result.write.path}}"},
			},
		},
	}
}

func TestRollbackRunDispatchesCompensatingAction(t *testing.T) {
	reg := capability.NewRegistry()
	stub := &stubProvider{moduleID: "filesystem"}
	reg.Register(stub)

	engine := New(reg, bridgelog.New("rollback_test"), 0)
	p := samplePlan()
	failing := p.ActionByID("write")

	outcome := engine.Run(context.Background(), p, failing, map[string]interface{}{"path": "/tmp/x.bak"}, map[string]interface{}{}, map[string]interface{}{}, 0)

	require.True(t, outcome.Attempted)
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, "undo_write", outcome.CompensatingActionID)
	require.Len(t, stub.calls, 1)
	assert.Equal(t, "/tmp/x.bak", stub.calls[0]["path"])
}

func TestRollbackRunNoRollbackRef(t *testing.T) {
	reg := capability.NewRegistry()
	engine := New(reg, bridgelog.New("rollback_test"), 0)
	p := &plan.Plan{PlanID: "p1", Actions: []plan.Action{{ID: "a1"}}}

	outcome := engine.Run(context.Background(), p, p.ActionByID("a1"), nil, nil, nil, 0)
	assert.False(t, outcome.Attempted)
}

func TestRollbackRunDepthExceeded(t *testing.T) {
	reg := capability.NewRegistry()
	reg.Register(&stubProvider{moduleID: "filesystem"})
	engine := New(reg, bridgelog.New("rollback_test"), 1)
	p := samplePlan()

	outcome := engine.Run(context.Background(), p, p.ActionByID("write"), nil, nil, nil, 1)
	assert.True(t, outcome.Attempted)
	assert.False(t, outcome.Succeeded)
	assert.Error(t, outcome.Error)
}

func TestRollbackRunMissingTargetAbsorbed(t *testing.T) {
	reg := capability.NewRegistry()
	engine := New(reg, bridgelog.New("rollback_test"), 0)
	p := &plan.Plan{
		PlanID: "p1",
		Actions: []plan.Action{
			{ID: "a1", Rollback: &plan.RollbackRef{ActionID: "missing"}},
		},
	}

	outcome := engine.Run(context.Background(), p, p.ActionByID("a1"), nil, nil, nil, 0)
	assert.True(t, outcome.Attempted)
	assert.False(t, outcome.Succeeded)
	assert.Error(t, outcome.Error)
}

func TestRollbackRunDispatchFailureAbsorbed(t *testing.T) {
	reg := capability.NewRegistry()
	reg.Register(&stubProvider{moduleID: "filesystem", failWith: assert.AnError})
	engine := New(reg, bridgelog.New("rollback_test"), 0)
	p := samplePlan()

	outcome := engine.Run(context.Background(), p, p.ActionByID("write"), nil, map[string]interface{}{}, map[string]interface{}{}, 0)
	assert.True(t, outcome.Attempted)
	assert.False(t, outcome.Succeeded)
	assert.Error(t, outcome.Error)
}
