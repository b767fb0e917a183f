// Package template resolves `{{namespace.path}}` expressions inside action
// params against three namespaces: result (prior action outputs), memory
// (the key-value scratch store), and env (OS environment variables, when
// the active security profile permits it).
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
)

var templateRe = regexp.MustCompile(`\{\{(\w+)\.(\w+)(?:\.(\w+))?\}\}`)

const (
	prefixResult = "result"
	prefixMemory = "memory"
	prefixEnv    = "env"
)

// Environment is the set of namespaces a Resolver resolves expressions
// against for one action's template pass.
type Environment struct {
	Results  map[string]interface{}
	Memory   map[string]interface{}
	Env      map[string]string
	AllowEnv bool
}

// Resolver resolves template expressions embedded in action params.
type Resolver struct {
	env Environment
}

// New returns a Resolver bound to env.
func New(env Environment) *Resolver {
	return &Resolver{env: env}
}

// Resolve returns a deep copy of value with every template expression
// substituted. Maps and slices are walked recursively; every other type is
// returned unchanged.
func (r *Resolver) Resolve(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveString implements the single-match-preserves-type, multi-match-
// stringifies-and-concatenates rule.
func (r *Resolver) resolveString(s string) (interface{}, error) {
	matches := templateRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 {
		m := matches[0]
		if s[m[0]:m[1]] == s {
			prefix, ref, field := submatch(s, m, 1), submatch(s, m, 2), submatch(s, m, 3)
			return r.resolveExpression(prefix, ref, field, s)
		}
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		original := s[m[0]:m[1]]
		prefix, ref, field := submatch(s, m, 1), submatch(s, m, 2), submatch(s, m, 3)
		resolved, err := r.resolveExpression(prefix, ref, field, original)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(resolved))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func submatch(s string, m []int, group int) string {
	lo, hi := m[2*group], m[2*group+1]
	if lo < 0 {
		return ""
	}
	return s[lo:hi]
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (r *Resolver) resolveExpression(prefix, ref, field, original string) (interface{}, error) {
	switch prefix {
	case prefixResult:
		return r.resolveResult(ref, field, original)
	case prefixMemory:
		return r.resolveMemory(ref, original)
	case prefixEnv:
		return r.resolveEnv(ref, original)
	default:
		return nil, resolutionError(original, fmt.Sprintf("unknown template prefix %q; supported: result, memory, env", prefix))
	}
}

func (r *Resolver) resolveResult(actionID, field, original string) (interface{}, error) {
	actionResult, ok := r.env.Results[actionID]
	if !ok {
		return nil, resolutionError(original, fmt.Sprintf(
			"action %q has not produced a result yet; check that it appears in depends_on", actionID))
	}
	if field == "" {
		return actionResult, nil
	}
	resultMap, ok := actionResult.(map[string]interface{})
	if !ok {
		return nil, resolutionError(original, fmt.Sprintf(
			"action %q result is not an object; cannot access field %q", actionID, field))
	}
	v, ok := resultMap[field]
	if !ok {
		return nil, resolutionError(original, fmt.Sprintf(
			"action %q result has no field %q; available fields: %s", actionID, field, sortedKeys(resultMap)))
	}
	return v, nil
}

func (r *Resolver) resolveMemory(key, original string) (interface{}, error) {
	v, ok := r.env.Memory[key]
	if !ok {
		return nil, resolutionError(original, fmt.Sprintf(
			"memory key %q not found; available keys: %s", key, sortedKeys(r.env.Memory)))
	}
	return v, nil
}

func (r *Resolver) resolveEnv(varName, original string) (interface{}, error) {
	if !r.env.AllowEnv {
		return nil, resolutionError(original, "environment variable access is disabled in the current security profile")
	}
	v, ok := r.env.Env[varName]
	if !ok {
		return nil, resolutionError(original, fmt.Sprintf("environment variable %q is not set", varName))
	}
	return v, nil
}

func sortedKeys(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "[" + strings.Join(keys, ", ") + "]"
}

func resolutionError(original, message string) error {
	return bridgeerr.Protocol("template_resolution_failed", message, nil, map[string]interface{}{
		"expression": original,
	})
}
