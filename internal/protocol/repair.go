// Package protocol implements the Protocol Layer: repairing malformed LLM
// output into valid JSON, migrating older protocol versions forward, and
// validating a parsed Plan's structural invariants.
package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RepairResult carries the outcome of attempting to coerce raw text into
// valid JSON: the parsed object, whether any repair step was needed, and the
// names of the steps applied.
type RepairResult struct {
	JSON       map[string]interface{}
	Repaired   bool
	StepsTried []string
}

// repairStep is a pure text-to-text transform applied in sequence. Each step
// must be semantics-preserving: it may only change syntax, never meaning.
type repairStep struct {
	name string
	fn   func(string) string
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var lineCommentPattern = regexp.MustCompile(`//[^\n]*`)
var blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
var trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
var unquotedKeyPattern = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

var steps = []repairStep{
	{"strip_markdown_fences", stripMarkdownFences},
	{"strip_js_comments", stripJSComments},
	{"strip_trailing_commas", stripTrailingCommas},
	{"normalize_python_literals", normalizePythonLiterals},
	{"quote_unquoted_keys", quoteUnquotedKeys},
	{"single_to_double_quotes", singleToDoubleQuotes},
	{"balance_braces", balanceBraces},
}

// Repair attempts to parse raw as JSON, and on failure applies the repair
// cascade one step at a time, re-attempting a parse after every step, in the
// same order the cascade defines them. The first step whose cumulative
// output parses wins; later steps are never applied on top of a successful
// parse.
func Repair(raw string) (*RepairResult, error) {
	if v, err := tryParse(raw); err == nil {
		return &RepairResult{JSON: v, Repaired: false}, nil
	}

	text := raw
	tried := make([]string, 0, len(steps))
	var lastErr error
	for _, s := range steps {
		text = s.fn(text)
		tried = append(tried, s.name)
		if v, err := tryParse(text); err == nil {
			return &RepairResult{JSON: v, Repaired: true, StepsTried: tried}, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

func tryParse(s string) (map[string]interface{}, error) {
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func stripMarkdownFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

func stripJSComments(s string) string {
	s = blockCommentPattern.ReplaceAllString(s, "")
	s = lineCommentPattern.ReplaceAllString(s, "")
	return s
}

func stripTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// normalizePythonLiterals rewrites Python's True/False/None into their JSON
// equivalents by replacing whole-word occurrences; occurrences inside string
// literals are rewritten too. A full tokenizer is overkill here; the
// word-boundary regex matches the original's own pragmatic approach.
var pyTrue = regexp.MustCompile(`\bTrue\b`)
var pyFalse = regexp.MustCompile(`\bFalse\b`)
var pyNone = regexp.MustCompile(`\bNone\b`)

func normalizePythonLiterals(s string) string {
	s = pyTrue.ReplaceAllString(s, "true")
	s = pyFalse.ReplaceAllString(s, "false")
	s = pyNone.ReplaceAllString(s, "null")
	return s
}

func quoteUnquotedKeys(s string) string {
	return unquotedKeyPattern.ReplaceAllString(s, `$1"$2"$3`)
}

// singleToDoubleQuotes swaps single-quoted strings for double-quoted ones.
// It walks the string rather than using a single regex so that an escaped
// single quote and embedded double quotes are handled without clobbering
// JSON that already uses double quotes correctly.
func singleToDoubleQuotes(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	var b strings.Builder
	inDouble := false
	inSingle := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			b.WriteByte(c)
			i++
			b.WriteByte(s[i])
			continue
		case c == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(c)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
		case c == '"' && inSingle:
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// balanceBraces appends any closing braces/brackets needed to match unclosed
// openers, a last-resort recovery for truncated model output.
func balanceBraces(s string) string {
	var stack []byte
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && inString {
			i++
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
