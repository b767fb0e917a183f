package security

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// IntentVerdict is Stage B's judgment on a plan's intent.
type IntentVerdict string

const (
	IntentApprove IntentVerdict = "approve"
	IntentWarn    IntentVerdict = "warn"
	IntentReject  IntentVerdict = "reject"
	IntentClarify IntentVerdict = "clarify"
)

// IntentResult is the structured response from an Intent Verifier.
type IntentResult struct {
	Verdict        IntentVerdict `json:"verdict"`
	Reasoning      string        `json:"reasoning"`
	AffectedIDs    []string      `json:"affected_action_ids,omitempty"`
	MatchedLabels  []string      `json:"matched_labels,omitempty"`
}

// IntentVerifier is the functional contract for Stage B: an external,
// typically LLM-backed reasoner judging plan intent against the threat
// category set. The core only depends on this interface; any concrete
// provider (raw HTTP call to an LLM API, local heuristic, no-op) can
// implement it.
type IntentVerifier interface {
	Verify(ctx context.Context, p *plan.Plan, categories []ThreatCategory) (IntentResult, error)
}

// Mode controls how Stage B failures and ambiguous verdicts propagate.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModePermissive Mode = "permissive"
)

// PromptComposer builds (and caches) the system prompt handed to an
// IntentVerifier, invalidating its cache whenever the backing
// ThreatCategoryRegistry changes, per the registry's on-change hook.
type PromptComposer struct {
	registry *ThreatCategoryRegistry

	mu     sync.Mutex
	cached string
	dirty  bool
}

// NewPromptComposer wires itself into registry's on-change callback so any
// register/unregister/enable/disable invalidates the cached prompt.
func NewPromptComposer(registry *ThreatCategoryRegistry) *PromptComposer {
	pc := &PromptComposer{registry: registry, dirty: true}
	registry.SetOnChange(pc.invalidate)
	return pc
}

func (pc *PromptComposer) invalidate() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.dirty = true
}

// Compose returns the composed system prompt, rebuilding it only if the
// registry has changed since the last call.
func (pc *PromptComposer) Compose() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.dirty {
		return pc.cached
	}
	var b strings.Builder
	b.WriteString("You are the security reasoning stage of a plan orchestration engine. ")
	b.WriteString("Classify the submitted plan against the following threat categories ")
	b.WriteString("and respond with one verdict: approve, warn, reject, or clarify.\n\n")
	for _, c := range pc.registry.ListEnabled() {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", c.Name, c.ID, c.Description)
	}
	pc.cached = b.String()
	pc.dirty = false
	return pc.cached
}

// Pipeline runs Stage B over a plan, applying the strict/permissive
// propagation rules from the intent verifier contract: reject always
// aborts; clarify aborts only in strict mode; warn always continues
// (logged by the caller); verifier errors are fatal only in strict mode.
type Pipeline struct {
	verifier IntentVerifier
	composer *PromptComposer
	registry *ThreatCategoryRegistry
	mode     Mode
}

// NewPipeline wires an IntentVerifier to its threat category registry and
// the operating mode.
func NewPipeline(verifier IntentVerifier, registry *ThreatCategoryRegistry, mode Mode) *Pipeline {
	return &Pipeline{verifier: verifier, composer: NewPromptComposer(registry), registry: registry, mode: mode}
}

// Outcome is what the caller (the submission-time security pipeline)
// should do after Stage B.
type Outcome struct {
	Abort  bool
	Result IntentResult
}

// Evaluate runs the verifier (if any is configured — Stage B is optional)
// and translates its verdict into an Outcome per the strict/permissive
// rules.
func (p *Pipeline) Evaluate(ctx context.Context, pl *plan.Plan) Outcome {
	if p.verifier == nil {
		return Outcome{Abort: false}
	}
	categories := p.registry.ListEnabled()
	// Compose is called so the cache participates even though the default
	// verifier builds its own request body from categories directly; a
	// custom verifier can call Compose itself via the same registry.
	_ = p.composer.Compose()

	result, err := p.verifier.Verify(ctx, pl, categories)
	if err != nil {
		if p.mode == ModeStrict {
			return Outcome{Abort: true, Result: IntentResult{
				Verdict:   IntentReject,
				Reasoning: fmt.Sprintf("intent verifier error (strict mode aborts): %v", err),
			}}
		}
		return Outcome{Abort: false}
	}

	switch result.Verdict {
	case IntentReject:
		return Outcome{Abort: true, Result: result}
	case IntentClarify:
		return Outcome{Abort: p.mode == ModeStrict, Result: result}
	default: // approve, warn
		return Outcome{Abort: false, Result: result}
	}
}
