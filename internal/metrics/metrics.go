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

// Package metrics declares the daemon's Prometheus collectors: plan/action
// throughput counters, an approval latency histogram, and a scanner
// verdict counter, grounded directly on the teacher's
// platform/orchestrator/run.go prom* CounterVec/HistogramVec block
// (promRequestsTotal, promRequestDuration, promBlockedRequests) adapted
// from HTTP request metrics to plan execution metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the daemon registers, built once at
// startup and threaded through the Executor/Security Pipeline the way the
// teacher threads its package-level prom* vars through run.go's handlers.
type Metrics struct {
	PlansTotal          *prometheus.CounterVec
	ActionsTotal        *prometheus.CounterVec
	ApprovalLatency     prometheus.Histogram
	ApprovalDecisions   *prometheus.CounterVec
	ScannerVerdicts     *prometheus.CounterVec
	RollbacksTotal      *prometheus.CounterVec
	PlanDuration        prometheus.Histogram
}

// New builds and registers every collector against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry; passing prometheus.DefaultRegisterer matches the teacher's
// init()-time prometheus.MustRegister calls for production use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmos_bridge_plans_total",
			Help: "Total number of plans submitted, labeled by terminal status.",
		}, []string{"status"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmos_bridge_actions_total",
			Help: "Total number of actions dispatched, labeled by terminal status.",
		}, []string{"module", "status"}),
		ApprovalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmos_bridge_approval_latency_seconds",
			Help:    "Time spent waiting at the Approval Gate before resolution.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmos_bridge_approval_decisions_total",
			Help: "Approval Gate decisions, labeled by decision kind.",
		}, []string{"decision"}),
		ScannerVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmos_bridge_scanner_verdicts_total",
			Help: "Stage A scanner chain verdicts, labeled by verdict.",
		}, []string{"verdict"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmos_bridge_rollbacks_total",
			Help: "Rollback Engine invocations, labeled by outcome.",
		}, []string{"outcome"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmos_bridge_plan_duration_seconds",
			Help:    "Wall-clock time from plan submission to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}),
	}
	reg.MustRegister(
		m.PlansTotal, m.ActionsTotal, m.ApprovalLatency,
		m.ApprovalDecisions, m.ScannerVerdicts, m.RollbacksTotal, m.PlanDuration,
	)
	return m
}

// ObserveApprovalLatency records how long an approval request waited
// before resolution.
func (m *Metrics) ObserveApprovalLatency(requestedAt time.Time) {
	if m == nil {
		return
	}
	m.ApprovalLatency.Observe(time.Since(requestedAt).Seconds())
}
