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

// Package executor implements the Plan Executor: the DAG walk that runs
// one ExecutionState through to a terminal status, one supervisor
// goroutine per plan fanning out to one child goroutine per ready action,
// generalized from the teacher's sequential WorkflowEngine step loop
// (workflow_engine.go) into concurrent branch execution with a
// recomputed-on-every-completion ready set, per spec.md §5's scheduling
// model.
package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/eventbus"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/metrics"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/permission"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/rollback"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/state"
)

// Config tunes the executor's concurrency caps, approval policy, and
// result handling.
type Config struct {
	// MaxGlobalConcurrency bounds concurrently running actions across every
	// plan this process supervises. Zero means unbounded.
	MaxGlobalConcurrency int
	// MaxPerPlanConcurrency bounds concurrently running actions within one
	// plan. Zero means unbounded (still subject to MaxGlobalConcurrency).
	MaxPerPlanConcurrency int
	// ApprovalTimeout is how long an action waits at the Approval Gate
	// before the gate's timeout behavior resolves it.
	ApprovalTimeout time.Duration
	// ApprovalTimeoutBehavior selects reject or skip on an approval timeout.
	ApprovalTimeoutBehavior approval.TimeoutBehavior
	// ResultByteBudget truncates a capability's result once its JSON
	// encoding exceeds this many bytes. Zero disables truncation.
	ResultByteBudget int
	// RequireApproval names (module, action) pairs that always require
	// approval regardless of risk level, e.g. {"filesystem": {"delete": true}}.
	RequireApproval map[string]map[string]bool
	// AutoRequireRiskLevels names the capability risk levels that require
	// approval unless previously approve-always'd, per spec.md §4.4 step 3
	// ("HIGH and CRITICAL risk auto-require").
	AutoRequireRiskLevels map[string]bool
}

// DefaultConfig returns sane defaults: no concurrency caps, a 5 minute
// approval timeout resolving to reject, a 64KiB result budget, and
// high/critical risk auto-requiring approval.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:         5 * time.Minute,
		ApprovalTimeoutBehavior: approval.TimeoutReject,
		ResultByteBudget:        64 * 1024,
		RequireApproval:         map[string]map[string]bool{},
		AutoRequireRiskLevels:   map[string]bool{"high": true, "critical": true},
	}
}

// Executor runs plans to completion.
type Executor struct {
	cfg         Config
	registry    *capability.Registry
	permissions *permission.Manager
	gate        *approval.Gate
	rollback    *rollback.Engine
	store       state.Store
	bus         *eventbus.Bus
	logger      *bridgelog.Logger
	metrics     *metrics.Metrics
	globalSem   chan struct{}
}

// New wires an Executor from its collaborators. m may be nil, in which case
// metrics collection is skipped.
func New(cfg Config, registry *capability.Registry, permissions *permission.Manager, gate *approval.Gate, rollbackEngine *rollback.Engine, store state.Store, bus *eventbus.Bus, logger *bridgelog.Logger, m *metrics.Metrics) *Executor {
	var sem chan struct{}
	if cfg.MaxGlobalConcurrency > 0 {
		sem = make(chan struct{}, cfg.MaxGlobalConcurrency)
	}
	return &Executor{
		cfg:         cfg,
		registry:    registry,
		permissions: permissions,
		gate:        gate,
		rollback:    rollbackEngine,
		store:       store,
		bus:         bus,
		logger:      logger,
		metrics:     m,
		globalSem:   sem,
	}
}

// actionResult is what a child action goroutine reports back to the
// supervisor over the completion channel.
type actionResult struct {
	actionID string
}

// run is the mutable per-plan supervisor state, analogous to the
// teacher's WorkflowExecution but extended with DAG bookkeeping and its
// own memory/results namespaces for the Template Resolver.
//
// results, launched, and state.Actions are written by every child action
// goroutine as well as read by the supervisor's readiness pass, so all
// access to them goes through mu — per spec.md §5, ExecutionState must
// behave as if mutated only by its owning supervisor, and mu is what
// makes the concurrent writes from child goroutines safe to fold back in.
type run struct {
	plan       *plan.Plan
	state      *plan.ExecutionState
	results    map[string]interface{}
	memory     map[string]interface{}
	launched   map[string]bool
	planSem    chan struct{}
	completion chan actionResult
	cancelled  bool

	mu sync.Mutex
}

// markLaunched records id as launched so the next readiness pass skips it.
func (r *run) markLaunched(id string) {
	r.mu.Lock()
	r.launched[id] = true
	r.mu.Unlock()
}

// unmarkLaunched clears id's launched marker, letting a retry re-enter the
// readiness pass.
func (r *run) unmarkLaunched(id string) {
	r.mu.Lock()
	delete(r.launched, id)
	r.mu.Unlock()
}

// setStatus sets id's ActionState.Status under lock.
func (r *run) setStatus(id string, status plan.ActionStatus) {
	r.mu.Lock()
	r.state.Actions[id].Status = status
	r.mu.Unlock()
}

// mutateAction applies fn to id's ActionState under lock and returns a
// snapshot copy, safe to hand to the State Store or Event Bus once the
// lock is released.
func (r *run) mutateAction(id string, fn func(*plan.ActionState)) plan.ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state.Actions[id]
	fn(s)
	return *s
}

// actionSnapshot returns a copy of id's current ActionState.
func (r *run) actionSnapshot(id string) plan.ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.state.Actions[id]
}

// setResult records id's result under lock.
func (r *run) setResult(id string, v interface{}) {
	r.mu.Lock()
	r.results[id] = v
	r.mu.Unlock()
}

// resultsSnapshot returns a copy of the results accumulated so far, safe
// for a child goroutine to hand to the Template Resolver while sibling
// actions complete and write their own results concurrently.
func (r *run) resultsSnapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// Execute runs p's DAG to a terminal status, persisting every transition
// to the State Store and emitting one Event Bus event per transition.
// The returned ExecutionState reflects the plan's final status.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*plan.ExecutionState, error) {
	submittedAt := time.Now().UTC()
	st := plan.NewExecutionState(p)
	if err := e.store.Create(ctx, st); err != nil {
		return nil, bridgeerr.State("create_failed", "failed to persist new execution state", err, map[string]interface{}{"plan_id": p.PlanID})
	}
	e.publish(eventbus.Event{Kind: eventbus.PlanSubmitted, PlanID: p.PlanID})

	st.PlanStatus = plan.PlanRunning
	_ = e.store.UpdatePlanStatus(ctx, p.PlanID, plan.PlanRunning)
	e.publish(eventbus.Event{Kind: eventbus.PlanStarted, PlanID: p.PlanID})

	var planSem chan struct{}
	if e.cfg.MaxPerPlanConcurrency > 0 {
		planSem = make(chan struct{}, e.cfg.MaxPerPlanConcurrency)
	}

	r := &run{
		plan:     p,
		state:    st,
		results:  map[string]interface{}{},
		memory:   seedMemory(p),
		launched: map[string]bool{},
		planSem:  planSem,
		// Buffered to the plan's action count: every child goroutine sends
		// at most once, so this size guarantees a send never blocks even
		// after supervise has stopped receiving (cancellation), which would
		// otherwise leak one goroutine per still-running action.
		completion: make(chan actionResult, len(p.Actions)),
	}

	e.supervise(ctx, r)

	finalStatus := e.finalStatus(r)
	st.PlanStatus = finalStatus
	_ = e.store.UpdatePlanStatus(ctx, p.PlanID, finalStatus)
	e.publish(eventbus.Event{Kind: terminalEventKind(finalStatus), PlanID: p.PlanID})

	if e.metrics != nil {
		e.metrics.PlansTotal.WithLabelValues(string(finalStatus)).Inc()
		e.metrics.PlanDuration.Observe(time.Since(submittedAt).Seconds())
	}

	return st, nil
}

// supervise is the DAG walk loop: compute the ready set, launch a child
// goroutine per newly ready action, and recompute readiness whenever a
// child reports completion over r.completion, rather than joining a fixed
// collection of goroutines — new actions may become ready mid-flight.
func (e *Executor) supervise(ctx context.Context, r *run) {
	for {
		if ctx.Err() != nil {
			r.cancelled = true
			e.cancelRunning(ctx, r)
			return
		}

		ready := e.readyActions(r)
		for _, a := range ready {
			a := a
			r.markLaunched(a.ID)
			r.setStatus(a.ID, plan.ActionWaiting)
			go func() {
				e.runAction(ctx, r, a)
				r.completion <- actionResult{actionID: a.ID}
			}()
		}

		if !e.anyInFlight(r) {
			return
		}

		select {
		case <-r.completion:
		case <-ctx.Done():
			r.cancelled = true
			e.cancelRunning(ctx, r)
			return
		}
	}
}

func (e *Executor) anyInFlight(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.state.Actions {
		if a.Status == plan.ActionWaiting || a.Status == plan.ActionRunning || a.Status == plan.ActionAwaitingApproval {
			return true
		}
	}
	return false
}

// readyActions returns every action whose dependencies are all satisfied
// (SatisfiesDependency) and which has not yet been launched.
func (e *Executor) readyActions(r *run) []plan.Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []plan.Action
	for _, a := range r.plan.Actions {
		if r.launched[a.ID] {
			continue
		}
		ready := true
		for _, dep := range a.DependsOn {
			depState, ok := r.state.Actions[dep]
			if !ok || !depState.Status.SatisfiesDependency() {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Executor) cancelRunning(ctx context.Context, r *run) {
	var cancelled []plan.ActionState

	r.mu.Lock()
	for _, as := range r.state.Actions {
		if as.Status == plan.ActionRunning || as.Status == plan.ActionWaiting || as.Status == plan.ActionAwaitingApproval {
			as.Status = plan.ActionFailed
			as.Error = "plan cancelled"
			cancelled = append(cancelled, *as)
		}
	}
	r.mu.Unlock()

	for _, as := range cancelled {
		as := as
		_ = e.store.UpdateAction(ctx, r.plan.PlanID, &as)
		e.publish(eventbus.Event{Kind: eventbus.ActionFailed, PlanID: r.plan.PlanID, ActionID: as.ActionID, Detail: "cancelled"})
	}
}

func (e *Executor) finalStatus(r *run) plan.PlanStatus {
	if r.cancelled {
		return plan.PlanCancelled
	}
	if r.state.AnyFailed() {
		return plan.PlanFailed
	}
	for _, as := range r.state.Actions {
		if as.Status == plan.ActionRolledBack {
			return plan.PlanFailed
		}
	}
	return plan.PlanCompleted
}

func (e *Executor) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

func seedMemory(p *plan.Plan) map[string]interface{} {
	if p.Metadata == nil {
		return map[string]interface{}{}
	}
	if m, ok := p.Metadata["memory"].(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return map[string]interface{}{}
}

func terminalEventKind(status plan.PlanStatus) eventbus.Kind {
	switch status {
	case plan.PlanCompleted:
		return eventbus.PlanCompleted
	case plan.PlanCancelled:
		return eventbus.PlanCancelled
	default:
		return eventbus.PlanFailed
	}
}

func truncateResult(result capability.Result, budget int) (interface{}, bool, int) {
	if budget <= 0 {
		return result.Output, false, 0
	}
	data, err := json.Marshal(result.Output)
	if err != nil || len(data) <= budget {
		return result.Output, false, 0
	}
	truncated := string(data[:budget])
	return map[string]interface{}{
		"truncated_preview": truncated,
	}, true, len(data)
}

func actionRiskLevel(spec capability.ActionSpec, perms *permission.Manager) string {
	if spec.RiskLevel != "" {
		return spec.RiskLevel
	}
	if len(spec.Permissions) > 0 {
		return string(perms.RiskLevel(spec.Permissions[0]))
	}
	return string(permission.RiskMedium)
}

func actionTimeout(a plan.Action) time.Duration {
	if a.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSecs) * time.Second
}
