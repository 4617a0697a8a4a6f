// Package segment turns a saved segment rule tree into the set of matching
// contacts. Resolution is paginated by contact id (keyset) so a multi-page
// enqueue sees a stable set even while the contacts table is being written.
package segment

// Operator represents a comparison operator in a segment condition.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpIsSet      Operator = "is_set"
	OpIsNotSet   Operator = "is_not_set"
)

// LogicOperator joins the conditions of a rule group.
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
)

// Condition is one field comparison. Fields that are not first-class contact
// columns are looked up in the contact's attributes map.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
}

// RuleGroup is a boolean tree of conditions. Nested groups allow arbitrary
// and/or combinations.
type RuleGroup struct {
	Logic      LogicOperator `json:"logic"`
	Conditions []Condition   `json:"conditions,omitempty"`
	Groups     []RuleGroup   `json:"groups,omitempty"`
}
