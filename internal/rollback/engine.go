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

// Package rollback implements the Rollback Engine: when an action fails
// with on_error=rollback, it resolves the referenced compensating action
// within the same plan and dispatches it outside the DAG, mirroring the
// teacher's AbortExecution compensating-cleanup role but generalized from
// a fixed abort to an arbitrary named compensating action.
package rollback

import (
	"context"
	"fmt"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/template"
)

// DefaultMaxDepth bounds compensating-action recursion, per spec.md §4.7.
const DefaultMaxDepth = 3

// Engine resolves and dispatches compensating actions.
type Engine struct {
	registry *capability.Registry
	logger   *bridgelog.Logger
	maxDepth int
}

// New returns an Engine bounded to maxDepth levels of rollback recursion.
// A maxDepth <= 0 uses DefaultMaxDepth.
func New(registry *capability.Registry, logger *bridgelog.Logger, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{registry: registry, logger: logger, maxDepth: maxDepth}
}

// Outcome describes what happened when a rollback was attempted.
type Outcome struct {
	Attempted    bool
	Succeeded    bool
	CompensatingActionID string
	Error        error
}

// Run resolves failingAction.Rollback within p, template-resolves its
// params against an environment that includes results produced so far
// (plus the failing action's own partial result, if any), and dispatches
// the compensating action via reg. Rollback failures are logged and
// absorbed — they never trigger further rollback, and the returned error
// (if any) is informational only.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, failingAction *plan.Action, partialResult interface{}, results map[string]interface{}, memory map[string]interface{}, depth int) Outcome {
	if failingAction.Rollback == nil {
		return Outcome{Attempted: false}
	}
	if depth >= e.maxDepth {
		err := bridgeerr.Orchestration("rollback_depth_exceeded",
			fmt.Sprintf("rollback recursion exceeded max depth %d for action %q", e.maxDepth, failingAction.ID),
			nil, map[string]interface{}{"action_id": failingAction.ID, "depth": depth})
		e.logAbsorbed(p.PlanID, failingAction.ID, err)
		return Outcome{Attempted: true, Succeeded: false, Error: err}
	}

	ref := failingAction.Rollback
	compensating := p.ActionByID(ref.ActionID)
	if compensating == nil {
		err := bridgeerr.Orchestration("rollback_target_missing",
			fmt.Sprintf("rollback references unknown action %q", ref.ActionID),
			nil, map[string]interface{}{"action_id": failingAction.ID, "rollback_action_id": ref.ActionID})
		e.logAbsorbed(p.PlanID, failingAction.ID, err)
		return Outcome{Attempted: true, Succeeded: false, CompensatingActionID: ref.ActionID, Error: err}
	}

	env := template.Environment{
		Results:  mergeWithPartial(results, failingAction.ID, partialResult),
		Memory:   memory,
		AllowEnv: false,
	}
	resolver := template.New(env)

	resolvedParams := make(map[string]interface{}, len(compensating.Params))
	for k, v := range compensating.Params {
		rv, err := resolver.Resolve(v)
		if err != nil {
			e.logAbsorbed(p.PlanID, failingAction.ID, err)
			return Outcome{Attempted: true, Succeeded: false, CompensatingActionID: ref.ActionID, Error: err}
		}
		resolvedParams[k] = rv
	}
	for k, v := range ref.Params {
		resolvedParams[k] = v
	}

	_, err := e.registry.Dispatch(ctx, compensating.Module, compensating.ActionName, resolvedParams)
	if err != nil {
		e.logAbsorbed(p.PlanID, failingAction.ID, err)
		return Outcome{Attempted: true, Succeeded: false, CompensatingActionID: ref.ActionID, Error: err}
	}

	if e.logger != nil {
		e.logger.Info("rollback_succeeded", map[string]interface{}{
			"plan_id":              p.PlanID,
			"action_id":            failingAction.ID,
			"compensating_action":  ref.ActionID,
		})
	}
	return Outcome{Attempted: true, Succeeded: true, CompensatingActionID: ref.ActionID}
}

func (e *Engine) logAbsorbed(planID, actionID string, err error) {
	if e.logger == nil {
		return
	}
	e.logger.Warn("rollback_failed_absorbed", map[string]interface{}{
		"plan_id":   planID,
		"action_id": actionID,
		"error":     err.Error(),
	})
}

func mergeWithPartial(results map[string]interface{}, failingActionID string, partial interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(results)+1)
	for k, v := range results {
		out[k] = v
	}
	if partial != nil {
		out[failingActionID] = partial
	}
	return out
}
