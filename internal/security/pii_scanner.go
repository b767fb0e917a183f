package security

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// piiPattern is one regex + validator pair, directly generalized from the
// teacher's PIIPattern (pattern, severity, validator returning
// (isValid, confidence), min/max length bounds).
type piiPattern struct {
	label     string
	pattern   *regexp.Regexp
	severity  string
	riskScore float64
	validator func(match, context string) (bool, float64)
	minLen    int
	maxLen    int
}

// PIIScanner is a Stage A Scanner detecting personally identifiable
// information in a plan's action params, grounded on the teacher's
// EnhancedPIIDetector.
type PIIScanner struct {
	patterns      []piiPattern
	contextWindow int
	minConfidence float64
}

// NewPIIScanner returns a PIIScanner with the default pattern set and a
// 50-character context window, matching the teacher's default config.
func NewPIIScanner() *PIIScanner {
	return &PIIScanner{
		contextWindow: 50,
		minConfidence: 0.5,
		patterns: []piiPattern{
			{
				label:     "ssn",
				pattern:   regexp.MustCompile(`\b(\d{3})[- ]?(\d{2})[- ]?(\d{4})\b`),
				severity:  "critical",
				riskScore: 8,
				validator: validateSSN,
				minLen:    9, maxLen: 11,
			},
			{
				label:     "credit_card",
				pattern:   regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13})\b`),
				severity:  "critical",
				riskScore: 8,
				validator: validateCreditCard,
				minLen:    13, maxLen: 19,
			},
			{
				label:     "email",
				pattern:   regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
				severity:  "medium",
				riskScore: 2,
				validator: func(m, c string) (bool, float64) { return true, 0.9 },
				minLen:    5, maxLen: 254,
			},
			{
				label:     "ip_address",
				pattern:   regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
				severity:  "low",
				riskScore: 1,
				validator: func(m, c string) (bool, float64) { return true, 0.8 },
				minLen:    7, maxLen: 15,
			},
		},
	}
}

func (s *PIIScanner) Name() string { return "pii" }

func (s *PIIScanner) Scan(p *plan.Plan) ScanResult {
	text := planText(p)
	var findings []Finding
	var risk float64
	verdict := VerdictAccept

	for _, pat := range s.patterns {
		for _, m := range pat.pattern.FindAllStringIndex(text, -1) {
			matched := text[m[0]:m[1]]
			if len(matched) < pat.minLen || len(matched) > pat.maxLen {
				continue
			}
			ctx := extractContext(text, m[0], m[1], s.contextWindow)
			confidence := 1.0
			if pat.validator != nil {
				ok, c := pat.validator(matched, ctx)
				if !ok {
					continue
				}
				confidence = c
			}
			if confidence < s.minConfidence {
				continue
			}
			findings = append(findings, Finding{
				Label: pat.label, Value: redact(matched), Severity: pat.severity,
				Confidence: confidence, Context: ctx,
			})
			risk += pat.riskScore * confidence
			if pat.severity == "critical" {
				verdict = VerdictReject
			} else if pat.severity != "low" && verdict != VerdictReject {
				verdict = VerdictWarn
			}
		}
	}

	return ScanResult{ScannerName: s.Name(), Verdict: verdict, RiskScore: risk, Findings: findings}
}

func extractContext(text string, start, end, window int) string {
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

// redact keeps only the first and last character of a matched PII value so
// findings surfaced to operators don't themselves leak the full value.
func redact(s string) string {
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return string(s[0]) + strings.Repeat("*", len(s)-2) + string(s[len(s)-1])
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func validateSSN(match, context string) (bool, float64) {
	clean := digitsOnly(match)
	if len(clean) != 9 {
		return false, 0
	}
	area, _ := strconv.Atoi(clean[0:3])
	group, _ := strconv.Atoi(clean[3:5])
	serial, _ := strconv.Atoi(clean[5:9])
	if area == 0 || area == 666 || area >= 900 || group == 0 || serial == 0 {
		return false, 0
	}

	contextLower := strings.ToLower(context)
	for _, indicator := range []string{"order", "invoice", "ref", "tracking", "confirmation", "receipt", "sku", "ticket"} {
		if strings.Contains(contextLower, indicator) {
			return false, 0.3
		}
	}
	for _, indicator := range []string{"ssn", "social security", "taxpayer", "tin"} {
		if strings.Contains(contextLower, indicator) {
			return true, 0.95
		}
	}
	return true, 0.7
}

func validateCreditCard(match, context string) (bool, float64) {
	clean := digitsOnly(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false, 0
	}
	if !luhnCheck(clean) {
		return false, 0
	}
	return true, 0.9
}

// luhnCheck implements the Luhn checksum algorithm, identical in structure
// to the teacher's own luhnCheck helper.
func luhnCheck(digits string) bool {
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}
