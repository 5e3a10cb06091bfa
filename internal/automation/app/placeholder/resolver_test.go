package placeholder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func vars() map[string]interface{} {
	return map[string]interface{}{
		"client": map[string]interface{}{
			"firstName": "Jane",
			"email":     "jane@example.com",
		},
		"daysInactive": 45.0,
		"rate":         6.25,
		"taskId":       "task-1",
	}
}

func TestResolve(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"no placeholders", "Hello", "Hello"},
		{"dotted path", "Hi {{client.firstName}}!", "Hi Jane!"},
		{"whitespace inside braces", "Hi {{ client.firstName }}", "Hi Jane"},
		{"integral float", "{{daysInactive}} days", "45 days"},
		{"fractional float", "rate {{rate}}%", "rate 6.25%"},
		{"unresolved", "Dear {{client.lastName}}", "Dear [client.lastName]"},
		{"multiple", "{{client.firstName}} <{{client.email}}>", "Jane <jane@example.com>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.template, vars()))
		})
	}
}

func TestResolveConfig(t *testing.T) {
	r := NewResolver()
	config := map[string]interface{}{
		"to":      "{{client.email}}",
		"subject": "Checking in, {{client.firstName}}",
		"days":    "{{daysInactive}}",
		"nested":  map[string]interface{}{"ref": "{{taskId}}"},
		"list":    []interface{}{"{{missing}}", 3},
		"count":   2,
	}

	out := r.ResolveConfig(config, vars())

	assert.Equal(t, "jane@example.com", out["to"])
	assert.Equal(t, "Checking in, Jane", out["subject"])
	assert.Equal(t, 45.0, out["days"])
	assert.Equal(t, map[string]interface{}{"ref": "task-1"}, out["nested"])
	assert.Equal(t, []interface{}{"[missing]", 3}, out["list"])
	assert.Equal(t, 2, out["count"])
	assert.Equal(t, "{{client.email}}", config["to"], "input must not be mutated")
}
