package placeholder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loanflow-go/internal/automation/app/rules"
)

var pattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Resolver substitutes {{key}} tokens. Keys use the same lookup as rule
// fields: exact key first, then dotted traversal. Unresolved keys render as
// [key] so a broken template is visible in the output rather than blank.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) Resolve(template string, vars map[string]interface{}) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return pattern.ReplaceAllStringFunc(template, func(token string) string {
		key := pattern.FindStringSubmatch(token)[1]
		v, ok := rules.Resolve(vars, key)
		if !ok || v == nil {
			return "[" + key + "]"
		}
		return stringify(v)
	})
}

// ResolveConfig returns a copy of config with every string value resolved.
// A string consisting of exactly one placeholder keeps the resolved value's
// native type.
func (r *Resolver) ResolveConfig(config map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = r.resolveValue(v, vars)
	}
	return out
}

func (r *Resolver) resolveValue(v interface{}, vars map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if m := pattern.FindStringSubmatch(val); m != nil && m[0] == strings.TrimSpace(val) {
			if resolved, ok := rules.Resolve(vars, m[1]); ok && resolved != nil {
				return resolved
			}
		}
		return r.Resolve(val, vars)
	case map[string]interface{}:
		return r.ResolveConfig(val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
