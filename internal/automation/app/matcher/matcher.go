package matcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loanflow-go/internal/automation/app/rules"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/metrics"
)

var ErrInvalidTriggerConfig = errors.New("invalid trigger config")

type DefinitionSource interface {
	ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]*automation.WorkflowDefinition, error)
}

// Match is a definition whose trigger filters and conditions accepted the
// event, with the context its run starts from.
type Match struct {
	Definition *automation.WorkflowDefinition
	Context    map[string]interface{}
	Warnings   []string
}

// Failure records a definition skipped because of its own configuration.
type Failure struct {
	DefinitionID string
	Err          error
}

type Result struct {
	Matches  []Match
	Failures []Failure
}

type Matcher struct {
	definitions DefinitionSource
	evaluator   *rules.Evaluator
	logger      logger.Logger
}

func New(definitions DefinitionSource, evaluator *rules.Evaluator, log logger.Logger) *Matcher {
	return &Matcher{
		definitions: definitions,
		evaluator:   evaluator,
		logger:      log,
	}
}

// Match evaluates every active definition for the event's trigger type. A
// definition with broken configuration is reported in Result.Failures and
// does not stop the others. The error return is for failing to load
// definitions at all.
func (m *Matcher) Match(ctx context.Context, event automation.TriggerEvent) (Result, error) {
	var res Result

	defs, err := m.definitions.ListActiveByTrigger(ctx, event.TriggerType)
	if err != nil {
		return res, fmt.Errorf("load definitions for %s: %w", event.TriggerType, err)
	}
	return m.MatchAgainst(defs, event), nil
}

// MatchAgainst evaluates an already loaded set of definitions. The scheduler
// uses it to avoid reloading definitions for every swept record.
func (m *Matcher) MatchAgainst(defs []*automation.WorkflowDefinition, event automation.TriggerEvent) Result {
	var res Result
	if len(defs) == 0 {
		return res
	}

	evalCtx := BuildContext(event)

	for _, def := range defs {
		ok, err := passesTriggerConfig(def, event, evalCtx)
		if err != nil {
			m.skip(&res, def, err)
			continue
		}
		if !ok {
			continue
		}

		outcome, err := m.evaluator.Evaluate(def.Conditions, evalCtx)
		if err != nil {
			m.skip(&res, def, err)
			continue
		}
		for _, w := range outcome.Warnings {
			m.logger.Warn("Condition evaluated with warning", "workflowId", def.ID, "warning", w)
		}
		if !outcome.Matched {
			continue
		}

		metrics.RecordTriggerMatch(string(event.TriggerType))
		res.Matches = append(res.Matches, Match{
			Definition: def,
			Context:    copyContext(evalCtx),
			Warnings:   outcome.Warnings,
		})
	}

	return res
}

func (m *Matcher) skip(res *Result, def *automation.WorkflowDefinition, err error) {
	m.logger.Error("Skipping misconfigured workflow", "workflowId", def.ID, "name", def.Name, "error", err)
	res.Failures = append(res.Failures, Failure{DefinitionID: def.ID, Err: err})
}

// BuildContext is the evaluation and trigger-data scope for an event:
// extra, overlaid with entity, the entity under its own type name and a
// trigger descriptor.
func BuildContext(event automation.TriggerEvent) map[string]interface{} {
	ctx := make(map[string]interface{}, len(event.Extra)+4)
	for k, v := range event.Extra {
		ctx[k] = v
	}

	entity := event.Entity
	if entity == nil {
		entity = map[string]interface{}{}
	}
	ctx["entity"] = entity
	if event.EntityType != "" {
		ctx[event.EntityType] = entity
	}
	ctx["trigger"] = map[string]interface{}{
		"type":       string(event.TriggerType),
		"entityType": event.EntityType,
		"entityId":   event.EntityID,
	}
	if event.ClientID != "" {
		if _, ok := ctx["clientId"]; !ok {
			ctx["clientId"] = event.ClientID
		}
	}
	return ctx
}

func passesTriggerConfig(def *automation.WorkflowDefinition, event automation.TriggerEvent, ctx map[string]interface{}) (bool, error) {
	cfg := def.TriggerConfig
	if len(cfg) == 0 {
		return true, nil
	}

	if want, ok, err := stringSetting(cfg, "entityType"); err != nil {
		return false, err
	} else if ok && !strings.EqualFold(want, event.EntityType) {
		return false, nil
	}

	switch def.TriggerType {
	case automation.TriggerEntityStatusChanged:
		for setting, field := range map[string]string{"fromStatus": "oldStatus", "toStatus": "newStatus"} {
			want, ok, err := stringSetting(cfg, setting)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
			got, found := rules.Resolve(ctx, field)
			if !found || fmt.Sprintf("%v", got) != want {
				return false, nil
			}
		}

	case automation.TriggerInactivity:
		return atLeast(cfg, "inactiveDays", ctx, "daysInactive")

	case automation.TriggerDueDate:
		limit, ok, err := numberSetting(cfg, "hoursBefore")
		if err != nil || !ok {
			return err == nil, err
		}
		hours, found := contextNumber(ctx, "hoursUntilDue")
		return found && hours <= limit, nil

	case automation.TriggerTaskOverdue:
		return atLeast(cfg, "minDaysOverdue", ctx, "daysOverdue")
	}

	return true, nil
}

func atLeast(cfg map[string]interface{}, setting string, ctx map[string]interface{}, field string) (bool, error) {
	threshold, ok, err := numberSetting(cfg, setting)
	if err != nil || !ok {
		return err == nil, err
	}
	got, found := contextNumber(ctx, field)
	return found && got >= threshold, nil
}

func stringSetting(cfg map[string]interface{}, key string) (string, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", false, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidTriggerConfig, key, v)
	}
	if s == "" {
		return "", false, nil
	}
	return s, true, nil
}

func numberSetting(cfg map[string]interface{}, key string) (float64, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, err := toNumber(v)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrInvalidTriggerConfig, key, err)
	}
	return f, true, nil
}

func contextNumber(ctx map[string]interface{}, field string) (float64, bool) {
	v, found := rules.Resolve(ctx, field)
	if !found {
		return 0, false
	}
	f, err := toNumber(v)
	return f, err == nil
}

func toNumber(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}

func copyContext(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// NumberSetting reads a numeric trigger setting from def. A missing or
// malformed value reports false.
func NumberSetting(def *automation.WorkflowDefinition, key string) (float64, bool) {
	v, ok, err := numberSetting(def.TriggerConfig, key)
	return v, ok && err == nil
}
