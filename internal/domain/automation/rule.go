package automation

// Rule is a node of a condition tree. Group nodes carry Type AND or OR and
// child Rules, CUSTOM nodes carry an Expression and leaves carry
// Field/Operator/Value with an empty Type.
type Rule struct {
	Type       string      `json:"type,omitempty" yaml:"type,omitempty"`
	Rules      []Rule      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

const (
	RuleAnd    = "AND"
	RuleOr     = "OR"
	RuleCustom = "CUSTOM"
)

// Rule operators
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpGreaterThan        = "greater_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThan           = "less_than"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpIn                 = "in"
	OpNotIn              = "not_in"
	OpIsEmpty            = "is_empty"
	OpIsNotEmpty         = "is_not_empty"
	OpExists             = "exists"
)

func And(rules ...Rule) Rule { return Rule{Type: RuleAnd, Rules: rules} }

func Or(rules ...Rule) Rule { return Rule{Type: RuleOr, Rules: rules} }

func Leaf(field, operator string, value interface{}) Rule {
	return Rule{Field: field, Operator: operator, Value: value}
}

func Custom(expression string) Rule { return Rule{Type: RuleCustom, Expression: expression} }
