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

// Package security implements Stage A of the Security Pipeline (a
// composable chain of Scanners) and Stage B (an Intent Verifier contract
// backed by a threat category registry), both run over a plan before any
// action is dispatched.
package security

import (
	"fmt"
	"strings"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// Verdict is a scanner's judgment about one plan.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictWarn   Verdict = "warn"
	VerdictReject Verdict = "reject"
)

// severityRank orders verdicts so a chain can take the most severe of its
// scanners' findings.
var severityRank = map[Verdict]int{VerdictAccept: 0, VerdictWarn: 1, VerdictReject: 2}

// Finding is one scanner's match against the plan text.
type Finding struct {
	Label      string  `json:"label"`
	Value      string  `json:"value"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

// ScanResult is one Scanner's verdict plus supporting findings.
type ScanResult struct {
	ScannerName string    `json:"scanner"`
	Verdict     Verdict   `json:"verdict"`
	RiskScore   float64   `json:"risk_score"`
	Findings    []Finding `json:"findings,omitempty"`
}

// Scanner is one composable check in the Stage A chain. Generalized from
// the teacher's EnhancedPIIDetector (pattern + validator pairs, severity,
// confidence, context window) into an interface so non-PII scanners
// (secrets, command-injection heuristics) compose identically.
type Scanner interface {
	Name() string
	Scan(p *plan.Plan) ScanResult
}

// Chain runs every registered Scanner over a plan and folds their verdicts
// into one pipeline-level result, taking the most severe verdict and
// summing risk scores.
type Chain struct {
	scanners []Scanner
}

// NewChain returns a Chain over the given scanners, run in the order given.
func NewChain(scanners ...Scanner) *Chain {
	return &Chain{scanners: scanners}
}

// PipelineResult is the Stage A outcome across every scanner in the chain.
type PipelineResult struct {
	Verdict   Verdict
	RiskScore float64
	Results   []ScanResult
}

// Run executes every scanner in order and combines their results.
func (c *Chain) Run(p *plan.Plan) PipelineResult {
	out := PipelineResult{Verdict: VerdictAccept}
	for _, s := range c.scanners {
		res := s.Scan(p)
		out.Results = append(out.Results, res)
		out.RiskScore += res.RiskScore
		if severityRank[res.Verdict] > severityRank[out.Verdict] {
			out.Verdict = res.Verdict
		}
	}
	return out
}

// planText concatenates every string-shaped field across the plan's
// actions (description, module, action name, and every string param,
// recursively) so scanners can run one text pass instead of re-walking the
// action tree themselves.
func planText(p *plan.Plan) string {
	var b strings.Builder
	b.WriteString(p.Description)
	b.WriteByte('\n')
	for _, a := range p.Actions {
		b.WriteString(a.Module)
		b.WriteByte(' ')
		b.WriteString(a.ActionName)
		b.WriteByte('\n')
		walkStrings(a.Params, &b)
	}
	return b.String()
}

func walkStrings(v interface{}, b *strings.Builder) {
	switch t := v.(type) {
	case string:
		b.WriteString(t)
		b.WriteByte('\n')
	case map[string]interface{}:
		for _, item := range t {
			walkStrings(item, b)
		}
	case []interface{}:
		for _, item := range t {
			walkStrings(item, b)
		}
	default:
		if t != nil {
			fmt.Fprintf(b, "%v\n", t)
		}
	}
}
