package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

var validOnError = map[plan.OnErrorPolicy]bool{
	plan.OnErrorAbort:    true,
	plan.OnErrorContinue: true,
	plan.OnErrorRetry:    true,
	plan.OnErrorRollback: true,
	plan.OnErrorSkip:     true,
}

// ValidationIssue is one structural problem found in a plan, reported in a
// shape suitable for feeding back to the originating LLM agent.
type ValidationIssue struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// Validate checks structural invariants that must hold before a plan is
// ever handed to the security pipeline: unique action ids, resolvable
// depends_on references, no dependency cycles, known on_error values, and a
// target_node of "local" when present.
func Validate(p *plan.Plan) []ValidationIssue {
	var issues []ValidationIssue

	if p.PlanID == "" {
		issues = append(issues, ValidationIssue{"plan_id", "missing"})
	}
	if len(p.Actions) == 0 {
		issues = append(issues, ValidationIssue{"actions", "plan has no actions"})
	}

	seen := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if a.ID == "" {
			issues = append(issues, ValidationIssue{"actions[].id", "action missing an id"})
			continue
		}
		if seen[a.ID] {
			issues = append(issues, ValidationIssue{
				fmt.Sprintf("actions[%s].id", a.ID), "duplicate action id",
			})
		}
		seen[a.ID] = true
	}

	for _, a := range p.Actions {
		if a.Module == "" {
			issues = append(issues, ValidationIssue{fmt.Sprintf("actions[%s].module", a.ID), "missing module"})
		}
		if a.ActionName == "" {
			issues = append(issues, ValidationIssue{fmt.Sprintf("actions[%s].action", a.ID), "missing action"})
		}
		if a.OnError != "" && !validOnError[a.OnError] {
			issues = append(issues, ValidationIssue{
				fmt.Sprintf("actions[%s].on_error", a.ID),
				fmt.Sprintf("unknown on_error policy %q", a.OnError),
			})
		}
		if a.OnError == plan.OnErrorRollback && a.Rollback == nil {
			issues = append(issues, ValidationIssue{
				fmt.Sprintf("actions[%s].rollback", a.ID),
				"on_error=rollback requires a rollback reference",
			})
		}
		if a.TargetNode != "" && a.TargetNode != "local" {
			issues = append(issues, ValidationIssue{
				fmt.Sprintf("actions[%s].target_node", a.ID),
				fmt.Sprintf("unsupported target_node %q (only \"local\" is accepted)", a.TargetNode),
			})
		}
		for _, dep := range a.DependsOn {
			if !seen[dep] {
				issues = append(issues, ValidationIssue{
					fmt.Sprintf("actions[%s].depends_on", a.ID),
					fmt.Sprintf("depends on unknown action %q", dep),
				})
			}
		}
	}

	if cyc := findCycle(p); len(cyc) > 0 {
		issues = append(issues, ValidationIssue{
			"actions[].depends_on",
			fmt.Sprintf("dependency cycle: %s", strings.Join(cyc, " -> ")),
		})
	}

	return issues
}

// findCycle returns the node sequence of one cycle in the depends_on graph,
// or nil if the graph is acyclic. Uses the standard white/gray/black DFS
// coloring so every node in the offending cycle is named, not just the one
// where the cycle was detected.
func findCycle(p *plan.Plan) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Actions))
	ids := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		color[a.ID] = white
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		a := p.ActionByID(id)
		if a != nil {
			deps := append([]string{}, a.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				if _, ok := color[dep]; !ok {
					continue
				}
				switch color[dep] {
				case white:
					if visit(dep) {
						return true
					}
				case gray:
					start := 0
					for i, s := range stack {
						if s == dep {
							start = i
							break
						}
					}
					cycle = append(append([]string{}, stack[start:]...), dep)
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// AsError renders validation issues as a ProtocolError with a structured
// details map, suitable for return to the HTTP layer and for correction
// feedback sent back to the originating agent.
func AsError(issues []ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	msgs := make([]string, len(issues))
	details := make([]map[string]interface{}, len(issues))
	for i, iss := range issues {
		msgs[i] = fmt.Sprintf("%s: %s", iss.Field, iss.Problem)
		details[i] = map[string]interface{}{"field": iss.Field, "problem": iss.Problem}
	}
	return bridgeerr.Protocol(
		"plan_invalid",
		strings.Join(msgs, "; "),
		nil,
		map[string]interface{}{"issues": details},
	)
}
