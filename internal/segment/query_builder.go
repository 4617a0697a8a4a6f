package segment

import (
	"fmt"
	"strings"
)

// First-class contact columns. Anything else resolves against the jsonb
// attributes map.
var contactColumns = map[string]bool{
	"email":             true,
	"first_name":        true,
	"last_name":         true,
	"city":              true,
	"country":           true,
	"status":            true,
	"subscription_type": true,
}

// queryBuilder builds a parameterized WHERE clause from a rule tree.
type queryBuilder struct {
	args       []interface{}
	argCounter int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{args: make([]interface{}, 0), argCounter: 1}
}

// nextArg registers a query argument and returns its placeholder.
func (qb *queryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// fieldExpr returns the SQL expression addressing a condition field.
func fieldExpr(field string) string {
	if contactColumns[field] {
		return "c." + field
	}
	return fmt.Sprintf("c.attributes->>'%s'", strings.ReplaceAll(field, "'", ""))
}

func (qb *queryBuilder) buildCondition(cond Condition) (string, error) {
	if cond.Field == "" {
		return "", fmt.Errorf("condition missing field")
	}
	expr := fieldExpr(cond.Field)

	switch cond.Operator {
	case OpEquals:
		return fmt.Sprintf("%s = %s", expr, qb.nextArg(cond.Value)), nil
	case OpNotEquals:
		return fmt.Sprintf("COALESCE(%s, '') <> %s", expr, qb.nextArg(cond.Value)), nil
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", expr, qb.nextArg("%"+cond.Value+"%")), nil
	case OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", expr, qb.nextArg(cond.Value+"%")), nil
	case OpIsSet:
		return fmt.Sprintf("COALESCE(%s, '') <> ''", expr), nil
	case OpIsNotSet:
		return fmt.Sprintf("COALESCE(%s, '') = ''", expr), nil
	default:
		return "", fmt.Errorf("unknown operator: %s", cond.Operator)
	}
}

func (qb *queryBuilder) buildGroup(group RuleGroup) (string, error) {
	var parts []string

	for _, cond := range group.Conditions {
		sql, err := qb.buildCondition(cond)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	for _, child := range group.Groups {
		sql, err := qb.buildGroup(child)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, "("+sql+")")
		}
	}

	if len(parts) == 0 {
		return "", nil
	}

	joiner := " AND "
	if group.Logic == LogicOr {
		joiner = " OR "
	}
	return strings.Join(parts, joiner), nil
}

// buildWhere returns the WHERE fragment (without the keyword) and its
// arguments for a rule tree. An empty tree matches every contact.
func buildWhere(group RuleGroup) (string, []interface{}, error) {
	qb := newQueryBuilder()
	clause, err := qb.buildGroup(group)
	if err != nil {
		return "", nil, err
	}
	if clause == "" {
		clause = "1=1"
	}
	return clause, qb.args, nil
}
