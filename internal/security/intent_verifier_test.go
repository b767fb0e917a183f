package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

type fakeVerifier struct {
	result IntentResult
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, p *plan.Plan, categories []ThreatCategory) (IntentResult, error) {
	return f.result, f.err
}

func samplePlan() *plan.Plan {
	return &plan.Plan{PlanID: "p1", Actions: []plan.Action{{ID: "a", Module: "m", ActionName: "x"}}}
}

func TestPipelineNoVerifierNeverAborts(t *testing.T) {
	p := NewPipeline(nil, NewThreatCategoryRegistry(), ModePermissive)
	out := p.Evaluate(context.Background(), samplePlan())
	assert.False(t, out.Abort)
}

func TestPipelineRejectAlwaysAborts(t *testing.T) {
	v := &fakeVerifier{result: IntentResult{Verdict: IntentReject}}
	p := NewPipeline(v, NewThreatCategoryRegistry(), ModePermissive)
	out := p.Evaluate(context.Background(), samplePlan())
	assert.True(t, out.Abort)
}

func TestPipelineClarifyAbortsOnlyInStrict(t *testing.T) {
	v := &fakeVerifier{result: IntentResult{Verdict: IntentClarify}}

	permissive := NewPipeline(v, NewThreatCategoryRegistry(), ModePermissive)
	assert.False(t, permissive.Evaluate(context.Background(), samplePlan()).Abort)

	strict := NewPipeline(v, NewThreatCategoryRegistry(), ModeStrict)
	assert.True(t, strict.Evaluate(context.Background(), samplePlan()).Abort)
}

func TestPipelineWarnNeverAborts(t *testing.T) {
	v := &fakeVerifier{result: IntentResult{Verdict: IntentWarn}}
	p := NewPipeline(v, NewThreatCategoryRegistry(), ModeStrict)
	assert.False(t, p.Evaluate(context.Background(), samplePlan()).Abort)
}

func TestPipelineVerifierErrorFatalOnlyInStrict(t *testing.T) {
	v := &fakeVerifier{err: errors.New("boom")}

	permissive := NewPipeline(v, NewThreatCategoryRegistry(), ModePermissive)
	assert.False(t, permissive.Evaluate(context.Background(), samplePlan()).Abort)

	strict := NewPipeline(v, NewThreatCategoryRegistry(), ModeStrict)
	out := strict.Evaluate(context.Background(), samplePlan())
	assert.True(t, out.Abort)
	assert.Equal(t, IntentReject, out.Result.Verdict)
}
