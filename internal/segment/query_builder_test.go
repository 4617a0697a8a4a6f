package segment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWhereColumnCondition(t *testing.T) {
	where, args, err := buildWhere(RuleGroup{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Field: "country", Operator: OpEquals, Value: "PT"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c.country = $1", where)
	assert.Equal(t, []interface{}{"PT"}, args)
}

func TestBuildWhereAttributeFallback(t *testing.T) {
	where, args, err := buildWhere(RuleGroup{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Field: "plan", Operator: OpEquals, Value: "pro"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c.attributes->>'plan' = $1", where)
	assert.Equal(t, []interface{}{"pro"}, args)
}

func TestBuildWhereOrGroup(t *testing.T) {
	where, args, err := buildWhere(RuleGroup{
		Logic: LogicOr,
		Conditions: []Condition{
			{Field: "city", Operator: OpEquals, Value: "Lisbon"},
			{Field: "city", Operator: OpEquals, Value: "Porto"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c.city = $1 OR c.city = $2", where)
	assert.Len(t, args, 2)
}

func TestBuildWhereNestedGroups(t *testing.T) {
	where, args, err := buildWhere(RuleGroup{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Field: "status", Operator: OpEquals, Value: "subscribed"},
		},
		Groups: []RuleGroup{
			{
				Logic: LogicOr,
				Conditions: []Condition{
					{Field: "country", Operator: OpEquals, Value: "PT"},
					{Field: "country", Operator: OpEquals, Value: "ES"},
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c.status = $1 AND (c.country = $2 OR c.country = $3)", where)
	assert.Len(t, args, 3)
}

func TestBuildWhereOperators(t *testing.T) {
	tests := []struct {
		op       Operator
		wantFrag string
		wantArgs int
	}{
		{OpNotEquals, "COALESCE(c.city, '') <> $1", 1},
		{OpContains, "c.city ILIKE $1", 1},
		{OpStartsWith, "c.city ILIKE $1", 1},
		{OpIsSet, "COALESCE(c.city, '') <> ''", 0},
		{OpIsNotSet, "COALESCE(c.city, '') = ''", 0},
	}

	for _, tt := range tests {
		where, args, err := buildWhere(RuleGroup{
			Logic:      LogicAnd,
			Conditions: []Condition{{Field: "city", Operator: tt.op, Value: "Lis"}},
		})
		require.NoError(t, err, "operator %s", tt.op)
		assert.Equal(t, tt.wantFrag, where, "operator %s", tt.op)
		assert.Len(t, args, tt.wantArgs, "operator %s", tt.op)
	}
}

func TestBuildWhereContainsWildcards(t *testing.T) {
	_, args, err := buildWhere(RuleGroup{
		Logic:      LogicAnd,
		Conditions: []Condition{{Field: "email", Operator: OpContains, Value: "@example.com"}},
	})
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Equal(t, "%@example.com%", args[0])
}

func TestBuildWhereEmptyTreeMatchesAll(t *testing.T) {
	where, args, err := buildWhere(RuleGroup{})
	require.NoError(t, err)
	assert.Equal(t, "1=1", where)
	assert.Empty(t, args)
}

func TestBuildWhereUnknownOperator(t *testing.T) {
	_, _, err := buildWhere(RuleGroup{
		Conditions: []Condition{{Field: "city", Operator: "regex_match", Value: "x"}},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown operator"))
}

func TestFieldExprStripsQuotes(t *testing.T) {
	assert.Equal(t, "c.attributes->>'plan'", fieldExpr("pl'an"))
}
