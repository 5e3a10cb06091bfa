package rules

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/casbin/govaluate"
	"github.com/loanflow-go/internal/domain/automation"
)

var (
	ErrUnknownRuleType = errors.New("unknown rule type")
	ErrUnknownOperator = errors.New("unknown rule operator")
	ErrMalformedRule   = errors.New("malformed rule")
)

// Result is the outcome of evaluating a condition tree. Warnings collect
// CUSTOM expressions that could not be evaluated and were treated as false.
type Result struct {
	Matched  bool
	Warnings []string
}

// Evaluator matches condition trees against a context map. It performs no
// I/O; the only state is a cache of compiled CUSTOM expressions.
type Evaluator struct {
	expressions sync.Map // string -> *govaluate.EvaluableExpression
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns whether ctx satisfies rule. A nil rule always matches.
// Structural problems (unknown node types or operators anywhere in the tree)
// are returned as errors before any evaluation happens.
func (e *Evaluator) Evaluate(rule *automation.Rule, ctx map[string]interface{}) (Result, error) {
	if rule == nil {
		return Result{Matched: true}, nil
	}
	if err := Validate(rule); err != nil {
		return Result{}, err
	}

	var res Result
	res.Matched = e.eval(rule, ctx, &res)
	return res, nil
}

// Validate walks the whole tree and reports the first structural error.
func Validate(rule *automation.Rule) error {
	if rule == nil {
		return nil
	}
	switch strings.ToUpper(rule.Type) {
	case automation.RuleAnd, automation.RuleOr:
		for i := range rule.Rules {
			if err := Validate(&rule.Rules[i]); err != nil {
				return err
			}
		}
		return nil
	case automation.RuleCustom:
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("%w: CUSTOM rule without expression", ErrMalformedRule)
		}
		return nil
	case "":
		if rule.Field == "" {
			return fmt.Errorf("%w: leaf rule without field", ErrMalformedRule)
		}
		if _, ok := operators[rule.Operator]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOperator, rule.Operator)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRuleType, rule.Type)
	}
}

func (e *Evaluator) eval(rule *automation.Rule, ctx map[string]interface{}, res *Result) bool {
	switch strings.ToUpper(rule.Type) {
	case automation.RuleAnd:
		for i := range rule.Rules {
			if !e.eval(&rule.Rules[i], ctx, res) {
				return false
			}
		}
		return true
	case automation.RuleOr:
		for i := range rule.Rules {
			if e.eval(&rule.Rules[i], ctx, res) {
				return true
			}
		}
		return false
	case automation.RuleCustom:
		matched, err := e.evalCustom(rule.Expression, ctx)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("custom expression %q: %v", rule.Expression, err))
			return false
		}
		return matched
	default:
		return evalLeaf(rule, ctx)
	}
}

func evalLeaf(rule *automation.Rule, ctx map[string]interface{}) bool {
	value, found := Resolve(ctx, rule.Field)
	if rule.Operator == automation.OpExists {
		return found
	}
	if !found {
		return false
	}
	return operators[rule.Operator](value, rule.Value)
}

func (e *Evaluator) evalCustom(expression string, ctx map[string]interface{}) (bool, error) {
	compiled, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	out, err := compiled.Evaluate(Flatten(ctx))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, not bool", out)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*govaluate.EvaluableExpression, error) {
	if cached, ok := e.expressions.Load(expression); ok {
		return cached.(*govaluate.EvaluableExpression), nil
	}
	// No functions are registered, so expressions can only read parameters.
	compiled, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, err
	}
	e.expressions.Store(expression, compiled)
	return compiled, nil
}

// Resolve looks a field up by exact key first and then by dotted traversal
// of nested maps. found is false when any segment is missing.
func Resolve(ctx map[string]interface{}, path string) (interface{}, bool) {
	if ctx == nil {
		return nil, false
	}
	if v, ok := ctx[path]; ok {
		return v, true
	}

	var current interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Flatten returns ctx with every nested map key also exposed under its dotted
// path, so CUSTOM expressions can reference [client.status]. Numbers are
// widened to float64, the only numeric type the expression engine compares.
func Flatten(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx))
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if _, exists := out[key]; !exists || prefix == "" {
				out[key] = widen(v)
			}
			if nested, ok := asMap(v); ok {
				walk(key, nested)
			}
		}
	}
	walk("", ctx)
	return out
}

func widen(v interface{}) interface{} {
	if isNumber(v) {
		f, _ := toFloat64(v)
		return f
	}
	return v
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

type comparator func(actual, expected interface{}) bool

var operators = map[string]comparator{
	automation.OpEquals:             compareEquals,
	automation.OpNotEquals:          func(a, b interface{}) bool { return !compareEquals(a, b) },
	automation.OpContains:           compareContains,
	automation.OpNotContains:        func(a, b interface{}) bool { return !compareContains(a, b) },
	automation.OpStartsWith:         func(a, b interface{}) bool { return strings.HasPrefix(toString(a), toString(b)) },
	automation.OpEndsWith:           func(a, b interface{}) bool { return strings.HasSuffix(toString(a), toString(b)) },
	automation.OpGreaterThan:        numeric(func(a, b float64) bool { return a > b }),
	automation.OpGreaterThanOrEqual: numeric(func(a, b float64) bool { return a >= b }),
	automation.OpLessThan:           numeric(func(a, b float64) bool { return a < b }),
	automation.OpLessThanOrEqual:    numeric(func(a, b float64) bool { return a <= b }),
	automation.OpIn:                 compareIn,
	automation.OpNotIn:              func(a, b interface{}) bool { return !compareIn(a, b) },
	automation.OpIsEmpty:            func(a, _ interface{}) bool { return isEmpty(a) },
	automation.OpIsNotEmpty:         func(a, _ interface{}) bool { return !isEmpty(a) },
	automation.OpExists:             func(_, _ interface{}) bool { return true },
}

func compareEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) && isNumber(b) {
		af, _ := toFloat64(a)
		bf, _ := toFloat64(b)
		return af == bf
	}
	return toString(a) == toString(b)
}

func compareContains(a, b interface{}) bool {
	if list, ok := toList(a); ok {
		for _, item := range list {
			if compareEquals(item, b) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(a), toString(b))
}

func compareIn(a, b interface{}) bool {
	list, ok := toList(b)
	if !ok {
		if s, isString := b.(string); isString {
			for _, p := range strings.Split(s, ",") {
				list = append(list, strings.TrimSpace(p))
			}
		} else {
			return false
		}
	}
	for _, item := range list {
		if compareEquals(a, item) {
			return true
		}
	}
	return false
}

func numeric(cmp func(a, b float64) bool) comparator {
	return func(a, b interface{}) bool {
		af, err1 := toFloat64(a)
		bf, err2 := toFloat64(b)
		if err1 != nil || err2 != nil {
			return false
		}
		return cmp(af, bf)
	}
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.String, reflect.Array, reflect.Slice, reflect.Map:
		return val.Len() == 0
	default:
		return false
	}
}

func toList(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]interface{}); ok {
		return list, true
	}
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Slice && val.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, val.Len())
	for i := range out {
		out[i] = val.Index(i).Interface()
	}
	return out, true
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
