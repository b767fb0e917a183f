package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// HTTPClient is the minimal surface HTTPIntentVerifier needs, so tests can
// substitute a fake without standing up a real server — the same seam the
// teacher's LLM provider clients expose as their own HTTPClient interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPIntentVerifier is the default IntentVerifier: a hand-rolled HTTP
// client posting the plan and the composed threat-category prompt to a
// chat-completion-shaped endpoint, grounded on the teacher's own
// `llm/anthropic.Provider` client (raw net/http rather than a provider
// SDK, since the corpus itself never imports one for this purpose).
type HTTPIntentVerifier struct {
	baseURL string
	apiKey  string
	model   string
	client  HTTPClient
	mu      sync.RWMutex
	healthy bool
}

// HTTPIntentVerifierConfig configures an HTTPIntentVerifier.
type HTTPIntentVerifierConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  HTTPClient
	Timeout time.Duration
}

// NewHTTPIntentVerifier returns a verifier posting to cfg.BaseURL.
func NewHTTPIntentVerifier(cfg HTTPIntentVerifierConfig) *HTTPIntentVerifier {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPIntentVerifier{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, model: cfg.Model, client: client, healthy: true}
}

type verifyRequest struct {
	Model       string          `json:"model"`
	SystemPrompt string         `json:"system_prompt"`
	Plan        json.RawMessage `json:"plan"`
}

type verifyResponse struct {
	Verdict       string   `json:"verdict"`
	Reasoning     string   `json:"reasoning"`
	AffectedIDs   []string `json:"affected_action_ids"`
	MatchedLabels []string `json:"matched_labels"`
}

// Verify posts the plan and a composed prompt describing the enabled
// threat categories to the configured endpoint and decodes its verdict.
func (v *HTTPIntentVerifier) Verify(ctx context.Context, p *plan.Plan, categories []ThreatCategory) (IntentResult, error) {
	var promptBuilder strings.Builder
	promptBuilder.WriteString("Classify this plan against the following threat categories ")
	promptBuilder.WriteString("and respond with one verdict: approve, warn, reject, or clarify.\n\n")
	for _, c := range categories {
		fmt.Fprintf(&promptBuilder, "## %s (%s)\n%s\n\n", c.Name, c.ID, c.Description)
	}

	planJSON, err := json.Marshal(p)
	if err != nil {
		return IntentResult{}, fmt.Errorf("marshal plan for intent verification: %w", err)
	}

	reqBody, err := json.Marshal(verifyRequest{
		Model:        v.model,
		SystemPrompt: promptBuilder.String(),
		Plan:         planJSON,
	})
	if err != nil {
		return IntentResult{}, fmt.Errorf("marshal intent verifier request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", v.baseURL+"/v1/verify-intent", bytes.NewBuffer(reqBody))
	if err != nil {
		return IntentResult{}, fmt.Errorf("build intent verifier request: %w", err)
	}
	v.setHeaders(httpReq)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		v.setHealthy(false)
		return IntentResult{}, fmt.Errorf("intent verifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			v.setHealthy(false)
		}
		return IntentResult{}, fmt.Errorf("intent verifier returned status %d", resp.StatusCode)
	}
	v.setHealthy(true)

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return IntentResult{}, fmt.Errorf("decode intent verifier response: %w", err)
	}

	return IntentResult{
		Verdict:       IntentVerdict(vr.Verdict),
		Reasoning:     vr.Reasoning,
		AffectedIDs:   vr.AffectedIDs,
		MatchedLabels: vr.MatchedLabels,
	}, nil
}

func (v *HTTPIntentVerifier) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}
}

func (v *HTTPIntentVerifier) setHealthy(healthy bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthy = healthy
}

// IsHealthy reports the verifier's health as of its last request: a
// transport error or a 5xx status marks it unhealthy, a 200 marks it
// healthy, and any other status leaves it unchanged.
func (v *HTTPIntentVerifier) IsHealthy() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.healthy
}
