package actions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loanflow-go/internal/automation/app/rules"
)

func configString(cfg map[string]interface{}, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprintf("%v", v)
}

// configNumber reads a number that may have arrived as JSON, YAML or a
// resolved placeholder string.
func configNumber(cfg map[string]interface{}, key string) (float64, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %q is not a number", key, n)
		}
		return f, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

// firstNonEmpty returns the first config key with a value, then the first
// variable path that resolves.
func firstNonEmpty(cfg map[string]interface{}, keys []string, vars map[string]interface{}, paths ...string) string {
	for _, k := range keys {
		if s := configString(cfg, k); s != "" {
			return s
		}
	}
	for _, p := range paths {
		if v, ok := rules.Resolve(vars, p); ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func clientIDFor(step Step) string {
	return firstNonEmpty(step.Config, []string{"clientId"}, step.Variables, "clientId", "client.id")
}

var waitUnits = map[string]time.Duration{
	"days":    24 * time.Hour,
	"hours":   time.Hour,
	"minutes": time.Minute,
}

// parseWait accepts a Go duration string ("24h", "90m"), a bare number of
// "duration" with a "unit" (minutes, hours or days), or numeric
// days/hours/minutes fields, which add up.
func parseWait(cfg map[string]interface{}) (time.Duration, error) {
	if s := configString(cfg, "duration"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		n, _, err := configNumber(cfg, "duration")
		if err != nil {
			return 0, fmt.Errorf("duration: %q is neither a duration like \"24h\" nor a number", s)
		}
		unit := strings.ToLower(configString(cfg, "unit"))
		if unit == "" {
			return 0, fmt.Errorf("duration: %v has no unit; set unit to minutes, hours or days", s)
		}
		// Accept the singular too.
		per, ok := waitUnits[unit]
		if !ok {
			per, ok = waitUnits[unit+"s"]
		}
		if !ok {
			return 0, fmt.Errorf("unit: %q is not one of minutes, hours or days", unit)
		}
		return time.Duration(n * float64(per)), nil
	}

	var total time.Duration
	for key, unit := range waitUnits {
		n, ok, err := configNumber(cfg, key)
		if err != nil {
			return 0, err
		}
		if ok {
			total += time.Duration(n * float64(unit))
		}
	}
	return total, nil
}
