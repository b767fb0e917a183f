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

// Package bridge wires every core component into the single entry point
// the HTTP transport calls: submission (parse -> security pipeline ->
// DAG execution), query, cancellation, and approval decisions. It is the
// composition root the spec's §2 data-flow diagram describes, kept
// separate from internal/httpapi so the orchestration logic is testable
// without standing up a server.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/eventbus"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/executor"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/metrics"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/permission"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/protocol"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/security"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/state"
)

// Daemon is the composition root: every collaborator named in spec.md §2,
// wired together behind Submit/Query/Cancel/Approve.
type Daemon struct {
	Registry    *capability.Registry
	Permissions *permission.Manager
	Gate        *approval.Gate
	Store       state.Store
	Bus         *eventbus.Bus
	Executor    *executor.Executor
	Scanners    *security.Chain
	IntentPipe  *security.Pipeline
	Metrics     *metrics.Metrics
	Logger      *bridgelog.Logger

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	finished map[string]chan *plan.ExecutionState
}

// New wires a Daemon from its already-constructed collaborators. scanners
// and intentPipe may be nil (Stage A/B both optional per spec.md §4.3).
func New(registry *capability.Registry, permissions *permission.Manager, gate *approval.Gate, store state.Store, bus *eventbus.Bus, exec *executor.Executor, scanners *security.Chain, intentPipe *security.Pipeline, m *metrics.Metrics, logger *bridgelog.Logger) *Daemon {
	return &Daemon{
		Registry:    registry,
		Permissions: permissions,
		Gate:        gate,
		Store:       store,
		Bus:         bus,
		Executor:    exec,
		Scanners:    scanners,
		IntentPipe:  intentPipe,
		Metrics:     m,
		Logger:      logger,
		cancels:     make(map[string]context.CancelFunc),
		finished:    make(map[string]chan *plan.ExecutionState),
	}
}

// SubmitOutcome is what Submit hands back to the transport layer.
type SubmitOutcome struct {
	// Rejected is true when the Security Pipeline aborted the plan before
	// any action ran; State still carries the rejection_details.
	Rejected bool
	State    *plan.ExecutionState
	// Future resolves once the plan (accepted, still running in the
	// background) reaches a terminal status. Always non-nil when Rejected
	// is false.
	Future <-chan *plan.ExecutionState
}

// Submit runs the full submission pipeline over raw plan bytes: Protocol
// Layer parse (with repair/migration), Stage A/B of the Security
// Pipeline, and — if both stages accept — launches the Plan Executor in
// the background, per spec.md §2's data flow. Parse/validation failures
// are returned as an error (submission itself never happened); security
// rejections are reported through SubmitOutcome.Rejected with a freshly
// persisted, already-terminal ExecutionState.
func (d *Daemon) Submit(ctx context.Context, raw string) (*SubmitOutcome, error) {
	parsed, err := protocol.Parse(raw)
	if err != nil {
		return nil, err
	}
	p := parsed.Plan

	if outcome, rejected := d.runSecurityPipeline(ctx, p); rejected {
		return outcome, nil
	}

	planCtx, cancel := context.WithCancel(context.Background())
	future := make(chan *plan.ExecutionState, 1)

	d.mu.Lock()
	d.cancels[p.PlanID] = cancel
	d.finished[p.PlanID] = future
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.cancels, p.PlanID)
			d.mu.Unlock()
			cancel()
		}()
		st, err := d.Executor.Execute(planCtx, p)
		if err != nil && d.Logger != nil {
			d.Logger.Error("plan_execution_failed", err, map[string]interface{}{"plan_id": p.PlanID})
		}
		future <- st
	}()

	return &SubmitOutcome{Rejected: false, Future: future}, nil
}

// runSecurityPipeline runs Stage A then Stage B over p. If either stage
// rejects, it persists a terminal, rejected ExecutionState and returns
// (outcome, true); otherwise returns (nil, false) and the caller proceeds
// to execution.
func (d *Daemon) runSecurityPipeline(ctx context.Context, p *plan.Plan) (*SubmitOutcome, bool) {
	var rejection *plan.RejectionDetails

	if d.Scanners != nil {
		result := d.Scanners.Run(p)
		if d.Metrics != nil {
			d.Metrics.ScannerVerdicts.WithLabelValues(string(result.Verdict)).Inc()
		}
		if result.Verdict == security.VerdictReject {
			rejection = &plan.RejectionDetails{
				Source:    "scanner_pipeline",
				Verdict:   string(result.Verdict),
				Reason:    "one or more input scanners rejected this plan",
				RiskLevel: riskLevelFromScore(result.RiskScore),
				Recommendations: []string{
					"review the plan for flagged content categories and resubmit without them",
				},
			}
			for _, r := range result.Results {
				for _, f := range r.Findings {
					rejection.Labels = append(rejection.Labels, f.Label)
				}
			}
		}
	}

	if rejection == nil && d.IntentPipe != nil {
		out := d.IntentPipe.Evaluate(ctx, p)
		if out.Abort {
			rejection = &plan.RejectionDetails{
				Source:          "intent_verifier",
				Verdict:         string(out.Result.Verdict),
				Reason:          out.Result.Reasoning,
				Labels:          out.Result.MatchedLabels,
				Recommendations: []string{"clarify the plan's intent and resubmit"},
			}
		}
	}

	if rejection == nil {
		return nil, false
	}

	st := plan.NewExecutionState(p)
	st.PlanStatus = plan.PlanFailed
	st.RejectionDetails = rejection
	_ = d.Store.Create(ctx, st)
	_ = d.Store.SetRejection(ctx, p.PlanID, rejection)
	_ = d.Store.UpdatePlanStatus(ctx, p.PlanID, plan.PlanFailed)
	if d.Bus != nil {
		d.Bus.Publish(eventbus.Event{Kind: eventbus.PlanFailed, PlanID: p.PlanID, Detail: rejection.Source})
	}
	return &SubmitOutcome{Rejected: true, State: st}, true
}

func riskLevelFromScore(score float64) string {
	switch {
	case score >= 0.8:
		return "critical"
	case score >= 0.5:
		return "high"
	case score >= 0.2:
		return "medium"
	default:
		return "low"
	}
}

// Query returns the durable ExecutionState projection for planID.
func (d *Daemon) Query(ctx context.Context, planID string) (*plan.ExecutionState, error) {
	return d.Store.Get(ctx, planID)
}

// Cancel triggers cancellation for a running plan. Returns a
// bridgeerr.OrchestrationError if no running plan matches planID.
func (d *Daemon) Cancel(planID string) error {
	d.mu.Lock()
	cancel, ok := d.cancels[planID]
	d.mu.Unlock()
	if !ok {
		return bridgeerr.Orchestration("plan_not_running", "no running plan matches this id", nil, map[string]interface{}{"plan_id": planID})
	}
	cancel()
	return nil
}

// Approve submits an approval decision to the Approval Gate for the named
// action. Returns false if no pending request matches.
func (d *Daemon) Approve(planID, actionID string, resp approval.Response) bool {
	return d.Gate.SubmitDecision(planID, actionID, resp)
}

// PendingApprovals returns a snapshot of pending approval requests,
// optionally filtered to one plan.
func (d *Daemon) PendingApprovals(planID string) []approval.Request {
	return d.Gate.GetPending(planID)
}

// Manifests returns every registered capability module's manifest.
func (d *Daemon) Manifests() []capability.Manifest {
	return d.Registry.Manifests()
}

// AwaitSync blocks on future up to timeout and returns the terminal
// ExecutionState, or (nil, false) if the timeout elapsed first — the
// caller should advise the client to poll asynchronously in that case.
func AwaitSync(future <-chan *plan.ExecutionState, timeout time.Duration) (*plan.ExecutionState, bool) {
	select {
	case st := <-future:
		return st, true
	case <-time.After(timeout):
		return nil, false
	}
}
