package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateConditions_Operators(t *testing.T) {
	record := NewJSONContextFromMap(map[string]any{
		"status":     "Open",
		"salary":     "150000",
		"title":      "Senior Go Engineer",
		"tags":       []any{"remote", "urgent"},
		"start_date": "2026-03-01",
		"notes":      "",
		"account":    map[string]any{"id": "acc-1"},
		"owner":      map[string]any{"manager": map[string]any{"id": "u-manager"}},
	})
	cases := []struct {
		name      string
		condition *Condition
		passed    bool
	}{
		{"eq ignores case", &Condition{Field: "status", Operator: "eq", Value: "open"}, true},
		{"eq numeric string", &Condition{Field: "salary", Operator: "eq", Value: 150000}, true},
		{"neq", &Condition{Field: "status", Operator: "neq", Value: "closed"}, true},
		{"contains substring", &Condition{Field: "title", Operator: "contains", Value: "go"}, true},
		{"contains element", &Condition{Field: "tags", Operator: "contains", Value: "urgent"}, true},
		{"starts_with", &Condition{Field: "title", Operator: "starts_with", Value: "senior"}, true},
		{"ends_with", &Condition{Field: "title", Operator: "ends_with", Value: "manager"}, false},
		{"gt number", &Condition{Field: "salary", Operator: "gt", Value: 100000}, true},
		{"lte number", &Condition{Field: "salary", Operator: "lte", Value: 100000}, false},
		{"gt date", &Condition{Field: "start_date", Operator: "gt", Value: "2026-01-01"}, true},
		{"between", &Condition{Field: "salary", Operator: "between", Value: 100000, ValueEnd: 200000}, true},
		{"in list", &Condition{Field: "status", Operator: "in", Value: []any{"draft", "open"}}, true},
		{"in comma string", &Condition{Field: "status", Operator: "in", Value: "draft, open"}, true},
		{"not_in", &Condition{Field: "status", Operator: "not_in", Value: []any{"closed"}}, true},
		{"is_empty", &Condition{Field: "notes", Operator: "is_empty"}, true},
		{"is_empty missing", &Condition{Field: "missing", Operator: "is_empty"}, true},
		{"is_not_empty", &Condition{Field: "title", Operator: "is_not_empty"}, true},
		{"has_rel", &Condition{Field: "account", Operator: "has_rel"}, true},
		{"no_rel", &Condition{Field: "contact", Operator: "no_rel"}, true},
		{"nested path", &Condition{Field: "owner.manager.id", Operator: "eq", Value: "u-manager"}, true},
		{"gt on missing field", &Condition{Field: "missing", Operator: "gt", Value: 1}, false},
		{"changed without previous", &Condition{Field: "status", Operator: "changed"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			evaluation := EvaluateConditions(&ConditionTree{Logic: ConditionLogicAnd, Conditions: []*Condition{c.condition}}, &EvaluationContext{Record: record})
			require.Len(t, evaluation.Results, 1)
			assert.Equal(t, c.passed, evaluation.Passed, "result: %+v", evaluation.Results[0])
		})
	}
}

func TestEvaluateConditions_ChangeOperators(t *testing.T) {
	ectx := &EvaluationContext{
		Record:         NewJSONContextFromMap(map[string]any{"status": "interview", "priority": "high"}),
		PreviousRecord: NewJSONContextFromMap(map[string]any{"status": "screening", "priority": "high"}),
	}
	tree := &ConditionTree{Logic: ConditionLogicAnd, Conditions: []*Condition{
		{Field: "status", Operator: "changed"},
		{Field: "status", Operator: "changed_to", Value: "interview"},
		{Field: "status", Operator: "changed_from", Value: "screening"},
	}}
	assert.True(t, EvaluateConditions(tree, ectx).Passed)

	unchanged := &ConditionTree{Conditions: []*Condition{{Field: "priority", Operator: "changed"}}}
	assert.False(t, EvaluateConditions(unchanged, ectx).Passed)
}

func TestEvaluateConditions_ChangeOperatorsWithoutPrevious(t *testing.T) {
	record := NewJSONContextFromMap(map[string]any{"status": "interview"})
	conditions := []*Condition{
		{Field: "status", Operator: "changed"},
		{Field: "status", Operator: "changed_to", Value: "interview"},
		{Field: "status", Operator: "changed_from", Value: "screening"},
		{Field: "status", Operator: "changed_from"},
		{Field: "missing", Operator: "changed_to"},
	}
	for _, condition := range conditions {
		evaluation := EvaluateConditions(&ConditionTree{Conditions: []*Condition{condition}}, &EvaluationContext{Record: record})
		require.Len(t, evaluation.Results, 1)
		assert.False(t, evaluation.Passed, "%s %s", condition.Operator, condition.Field)
		assert.Empty(t, evaluation.Results[0].Error)
	}
}

func TestEvaluateConditions_EmptinessIsComplementary(t *testing.T) {
	cases := []struct {
		name  string
		field string
		value any
		empty bool
	}{
		{"nil", "v", nil, true},
		{"empty string", "v", "", true},
		{"blank string", "v", " ", false},
		{"zero", "v", 0, false},
		{"false", "v", false, false},
		{"empty list", "v", []any{}, true},
		{"empty map", "v", map[string]any{}, true},
		{"list", "v", []any{"a"}, false},
		{"nested map", "v", map[string]any{"id": map[string]any{"x": 1}}, false},
		{"missing path", "v.missing.path", "x", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ectx := &EvaluationContext{Record: NewJSONContextFromMap(map[string]any{"v": c.value})}
			empty := EvaluateConditions(&ConditionTree{Conditions: []*Condition{{Field: c.field, Operator: "is_empty"}}}, ectx)
			notEmpty := EvaluateConditions(&ConditionTree{Conditions: []*Condition{{Field: c.field, Operator: "is_not_empty"}}}, ectx)
			assert.Equal(t, c.empty, empty.Passed)
			assert.NotEqual(t, empty.Passed, notEmpty.Passed)
		})
	}
}

func TestEvaluateConditions_Logic(t *testing.T) {
	record := NewJSONContextFromMap(map[string]any{"status": "open", "priority": "low"})
	conditions := []*Condition{
		{Field: "status", Operator: "eq", Value: "open"},
		{Field: "priority", Operator: "eq", Value: "high"},
	}

	and := EvaluateConditions(&ConditionTree{Logic: ConditionLogicAnd, Conditions: conditions}, &EvaluationContext{Record: record})
	assert.False(t, and.Passed)
	assert.Len(t, and.Results, 2)

	or := EvaluateConditions(&ConditionTree{Logic: ConditionLogicOr, Conditions: conditions}, &EvaluationContext{Record: record})
	assert.True(t, or.Passed)
	assert.Equal(t, ConditionLogicOr, or.Logic)

	assert.True(t, EvaluateConditions(nil, nil).Passed)
	assert.True(t, EvaluateConditions(&ConditionTree{}, &EvaluationContext{Record: record}).Passed)
}

func TestEvaluateConditions_ErrorsAreCaptured(t *testing.T) {
	record := NewJSONContextFromMap(map[string]any{"status": "open", "title": "Engineer"})
	tree := &ConditionTree{Logic: ConditionLogicOr, Conditions: []*Condition{
		{Field: "status", Operator: "matches_regex", Value: ".*"},
		{Field: "title", Operator: "gt", Value: "abc"},
		{Field: "status", Operator: "eq", Value: "open"},
	}}
	evaluation := EvaluateConditions(tree, &EvaluationContext{Record: record})
	require.Len(t, evaluation.Results, 3)
	assert.False(t, evaluation.Results[0].Passed)
	assert.Contains(t, evaluation.Results[0].Error, "unsupported operator")
	assert.False(t, evaluation.Results[1].Passed)
	assert.NotEmpty(t, evaluation.Results[1].Error)
	assert.True(t, evaluation.Passed)
}

func TestParseConditionTree(t *testing.T) {
	tree, err := ParseConditionTree(nil)
	require.NoError(t, err)
	assert.Empty(t, tree.Conditions)

	tree, err = ParseConditionTree([]byte(`{"logic":"OR","conditions":[{"field":"status","operator":"eq","value":"open"}]}`))
	require.NoError(t, err)
	assert.Equal(t, ConditionLogicOr, tree.Logic)
	assert.Len(t, tree.Conditions, 1)

	_, err = ParseConditionTree([]byte(`{"logic":"xor"}`))
	assert.ErrorIs(t, err, ErrWorkflowDefinitionInvalid)

	_, err = ParseConditionTree([]byte(`{broken`))
	assert.ErrorIs(t, err, ErrWorkflowDefinitionInvalid)
}
