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
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/eventbus"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/template"
)

// runAction executes the per-action sequence from spec.md §4.4: mark
// running, resolve templates, check approval, check permissions, dispatch,
// record the result, and apply on_error on failure. It acquires the
// global and per-plan concurrency semaphores for the duration of the
// capability dispatch only, not for the approval wait, so a suspended
// approval never starves the concurrency budget.
func (e *Executor) runAction(ctx context.Context, r *run, a plan.Action) {
	e.publish(eventbus.Event{Kind: eventbus.ActionRequested, PlanID: r.plan.PlanID, ActionID: a.ID})

	now := time.Now().UTC()
	running := r.mutateAction(a.ID, func(s *plan.ActionState) {
		s.Status = plan.ActionRunning
		s.StartedAt = &now
		s.Attempt++
	})
	_ = e.store.UpdateAction(ctx, r.plan.PlanID, &running)
	e.publish(eventbus.Event{Kind: eventbus.ActionStarted, PlanID: r.plan.PlanID, ActionID: a.ID})

	params, err := e.resolveParams(r, a)
	if err != nil {
		e.failAction(ctx, r, a, err.Error())
		e.applyOnError(ctx, r, a)
		return
	}

	spec, riskLevel := e.lookupActionSpec(a)

	if e.requiresApproval(a, riskLevel) {
		resolvedParams, ok := e.awaitApproval(ctx, r, a, riskLevel)
		if !ok {
			return
		}
		params = resolvedParams
	}

	if len(spec.Permissions) > 0 {
		for _, p := range spec.Permissions {
			if err := e.permissions.Check(p, a.Module); err != nil {
				e.failAction(ctx, r, a, err.Error())
				e.applyOnError(ctx, r, a)
				return
			}
		}
	}

	dispatchCtx := ctx
	var cancel context.CancelFunc
	if timeout := actionTimeout(a); timeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.acquire(r)
	result, err := e.registry.Dispatch(dispatchCtx, a.Module, a.ActionName, params)
	e.release(r)

	if err != nil {
		r.setResult(a.ID, nil)
		e.failAction(ctx, r, a, err.Error())
		e.applyOnError(ctx, r, a)
		return
	}

	output, truncated, originalBytes := truncateResult(result, e.cfg.ResultByteBudget)
	finished := time.Now().UTC()
	completed := r.mutateAction(a.ID, func(s *plan.ActionState) {
		s.Status = plan.ActionCompleted
		s.FinishedAt = &finished
		s.Result = output
		s.ResultTruncated = truncated
		s.ResultOriginalBytes = originalBytes
	})
	_ = e.store.UpdateAction(ctx, r.plan.PlanID, &completed)
	e.publish(eventbus.Event{Kind: eventbus.ActionCompleted, PlanID: r.plan.PlanID, ActionID: a.ID})
	if e.metrics != nil {
		e.metrics.ActionsTotal.WithLabelValues(a.Module, string(plan.ActionCompleted)).Inc()
	}

	r.setResult(a.ID, result.Output)
}

func (e *Executor) resolveParams(r *run, a plan.Action) (map[string]interface{}, error) {
	resolver := template.New(template.Environment{
		Results:  r.resultsSnapshot(),
		Memory:   r.memory,
		AllowEnv: false,
	})
	resolved := make(map[string]interface{}, len(a.Params))
	for k, v := range a.Params {
		rv, err := resolver.Resolve(v)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func (e *Executor) lookupActionSpec(a plan.Action) (capability.ActionSpec, string) {
	provider, err := e.registry.Lookup(a.Module)
	if err != nil {
		return capability.ActionSpec{}, riskLevelDefault()
	}
	spec, ok := provider.Manifest().ActionByName(a.ActionName)
	if !ok {
		return capability.ActionSpec{}, riskLevelDefault()
	}
	return spec, actionRiskLevel(spec, e.permissions)
}

func (e *Executor) requiresApproval(a plan.Action, riskLevel string) bool {
	if e.gate.IsAutoApproved(a.Module, a.ActionName) {
		return false
	}
	if byModule, ok := e.cfg.RequireApproval[a.Module]; ok && byModule[a.ActionName] {
		return true
	}
	return e.cfg.AutoRequireRiskLevels[riskLevel]
}

// awaitApproval suspends the action at the Approval Gate. Returns the
// (possibly modified) params and true to continue dispatch, or false if
// the action was terminally resolved here (reject/skip/error).
func (e *Executor) awaitApproval(ctx context.Context, r *run, a plan.Action, riskLevel string) (map[string]interface{}, bool) {
	awaiting := r.mutateAction(a.ID, func(s *plan.ActionState) {
		s.Status = plan.ActionAwaitingApproval
	})
	_ = e.store.UpdateAction(ctx, r.plan.PlanID, &awaiting)
	e.publish(eventbus.Event{Kind: eventbus.ActionApprovalRequested, PlanID: r.plan.PlanID, ActionID: a.ID})

	req := approval.Request{
		PlanID:                 r.plan.PlanID,
		ActionID:               a.ID,
		Module:                 a.Module,
		ActionName:             a.ActionName,
		Params:                 a.Params,
		RiskLevel:              riskLevel,
		RequiresApprovalReason: fmt.Sprintf("module %q action %q requires human approval", a.Module, a.ActionName),
		RequestedAt:            time.Now().UTC(),
	}

	resp := e.gate.RequestApproval(req, e.cfg.ApprovalTimeout, e.cfg.ApprovalTimeoutBehavior)

	r.mutateAction(a.ID, func(s *plan.ActionState) {
		s.Approval = &plan.ApprovalMetadata{
			Decision:   string(resp.Decision),
			ApprovedBy: resp.ApprovedBy,
			Timestamp:  resp.Timestamp,
		}
	})
	e.publish(eventbus.Event{Kind: eventbus.ActionApprovalDecided, PlanID: r.plan.PlanID, ActionID: a.ID, Detail: string(resp.Decision)})
	if e.metrics != nil {
		e.metrics.ApprovalDecisions.WithLabelValues(string(resp.Decision)).Inc()
		e.metrics.ObserveApprovalLatency(req.RequestedAt)
	}

	switch resp.Decision {
	case approval.DecisionApprove, approval.DecisionApproveAlways:
		running := r.mutateAction(a.ID, func(s *plan.ActionState) { s.Status = plan.ActionRunning })
		_ = e.store.UpdateAction(ctx, r.plan.PlanID, &running)
		params, err := e.resolveParams(r, a)
		if err != nil {
			e.failAction(ctx, r, a, err.Error())
			e.applyOnError(ctx, r, a)
			return nil, false
		}
		return params, true
	case approval.DecisionModify:
		running := r.mutateAction(a.ID, func(s *plan.ActionState) { s.Status = plan.ActionRunning })
		_ = e.store.UpdateAction(ctx, r.plan.PlanID, &running)
		return resp.ModifiedParams, true
	case approval.DecisionSkip:
		finished := time.Now().UTC()
		skipped := r.mutateAction(a.ID, func(s *plan.ActionState) {
			s.Status = plan.ActionSkipped
			s.FinishedAt = &finished
		})
		_ = e.store.UpdateAction(ctx, r.plan.PlanID, &skipped)
		e.publish(eventbus.Event{Kind: eventbus.ActionCompleted, PlanID: r.plan.PlanID, ActionID: a.ID, Detail: "skipped_by_approval"})
		return nil, false
	default: // reject
		e.failAction(ctx, r, a, fmt.Sprintf("approval rejected: %s", resp.Reason))
		e.applyOnError(ctx, r, a)
		return nil, false
	}
}

func (e *Executor) failAction(ctx context.Context, r *run, a plan.Action, message string) {
	finished := time.Now().UTC()
	failed := r.mutateAction(a.ID, func(s *plan.ActionState) {
		s.Status = plan.ActionFailed
		s.FinishedAt = &finished
		s.Error = message
	})
	_ = e.store.UpdateAction(ctx, r.plan.PlanID, &failed)
	e.publish(eventbus.Event{Kind: eventbus.ActionFailed, PlanID: r.plan.PlanID, ActionID: a.ID, Detail: message})
	if e.metrics != nil {
		e.metrics.ActionsTotal.WithLabelValues(a.Module, string(plan.ActionFailed)).Inc()
	}
}

// applyOnError implements spec.md §4.4 step 7's on_error handling for an
// already-failed action. abort/skip/continue are terminal here; retry
// re-marks the action unlaunched so the supervisor's next readiness pass
// picks it up again; rollback hands off to the Rollback Engine then
// leaves the action failed (rolled_back is set once rollback succeeds).
// continue does not abort the plan, but a dependent of the failed action
// can still never become ready (SatisfiesDependency only accepts
// completed/skipped), so its transitive dependents are dropped the same
// way abort/skip drop theirs — otherwise they would be left pending
// forever, violating "every action reaches exactly one terminal status".
func (e *Executor) applyOnError(ctx context.Context, r *run, a plan.Action) {
	switch a.OnError {
	case plan.OnErrorRetry:
		if r.actionSnapshot(a.ID).Attempt <= a.RetryCount {
			r.unmarkLaunched(a.ID)
			pending := r.mutateAction(a.ID, func(s *plan.ActionState) { s.Status = plan.ActionPending })
			_ = e.store.UpdateAction(ctx, r.plan.PlanID, &pending)
			return
		}
		e.dropDescendants(r, a.ID)
	case plan.OnErrorRollback:
		failing := r.actionSnapshot(a.ID)
		outcome := e.rollback.Run(ctx, r.plan, &a, failing.Result, r.resultsSnapshot(), r.memory, 0)
		if outcome.Attempted && outcome.Succeeded {
			rolledBack := r.mutateAction(a.ID, func(s *plan.ActionState) { s.Status = plan.ActionRolledBack })
			_ = e.store.UpdateAction(ctx, r.plan.PlanID, &rolledBack)
			e.publish(eventbus.Event{Kind: eventbus.ActionRolledBack, PlanID: r.plan.PlanID, ActionID: a.ID})
		}
		if e.metrics != nil {
			outcomeLabel := "not_attempted"
			if outcome.Attempted {
				outcomeLabel = "failed"
				if outcome.Succeeded {
					outcomeLabel = "succeeded"
				}
			}
			e.metrics.RollbacksTotal.WithLabelValues(outcomeLabel).Inc()
		}
		e.dropDescendants(r, a.ID)
	case plan.OnErrorSkip:
		skipped := r.mutateAction(a.ID, func(s *plan.ActionState) { s.Status = plan.ActionSkipped })
		_ = e.store.UpdateAction(ctx, r.plan.PlanID, &skipped)
		e.dropDescendants(r, a.ID)
	case plan.OnErrorAbort:
		e.dropDescendants(r, a.ID)
	default: // continue
		e.dropDescendants(r, a.ID)
	}
}

// dropDescendants marks every action that (transitively) depends on
// failedID as skipped and launched, so the readiness pass never schedules
// them, per the abort/skip "descendants ineligible" rule. Runs under a
// single lock since it reads and writes r.launched and r.state.Actions
// across a fixed-point iteration that must not interleave with a sibling
// action goroutine's own result/status writes.
func (e *Executor) dropDescendants(r *run, failedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := true
	for changed {
		changed = false
		for _, a := range r.plan.Actions {
			if r.launched[a.ID] {
				continue
			}
			for _, dep := range a.DependsOn {
				if dep == failedID || r.state.Actions[dep].Status == plan.ActionSkipped {
					r.launched[a.ID] = true
					r.state.Actions[a.ID].Status = plan.ActionSkipped
					changed = true
					break
				}
			}
		}
	}
}

func (e *Executor) acquire(r *run) {
	if e.globalSem != nil {
		e.globalSem <- struct{}{}
	}
	if r.planSem != nil {
		r.planSem <- struct{}{}
	}
}

func (e *Executor) release(r *run) {
	if r.planSem != nil {
		<-r.planSem
	}
	if e.globalSem != nil {
		<-e.globalSem
	}
}

func riskLevelDefault() string { return "medium" }
