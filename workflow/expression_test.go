package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpression_Evaluate(t *testing.T) {
	env := map[string]any{
		"record": map[string]any{
			"salary":       180000.0,
			"status":       "open",
			"owner_id":     "u-owner",
			"recruiter_id": "",
			"account":      map[string]any{"owner_id": "u-account"},
		},
		"entityType": "job",
	}
	cases := []struct {
		source string
		want   any
	}{
		{`record.salary > 100000 ? 'u-director' : record.owner_id`, "u-director"},
		{`record.salary > 200000 ? 'u-director' : record.owner_id`, "u-owner"},
		{`record.recruiter_id ?? record.owner_id`, "u-owner"},
		{`record.missing ?? record.account.owner_id`, "u-account"},
		{`record.status == "OPEN" && entityType == 'job'`, true},
		{`record.status != 'open' || !record.missing`, true},
		{`record.approver_id || 'u-director'`, "u-director"},
		{`record.owner_id || 'u-director'`, "u-owner"},
		{`record.owner_id && record.account.owner_id`, "u-account"},
		{`record.recruiter_id && 'u-director'`, ""},
		{`(record.salary >= 180000) == true`, true},
		{`record.salary < 1 ? 'a' : record.status == 'open' ? 'b' : 'c'`, "b"},
		{`record.missing > 5`, false},
		{`null ?? 'fallback'`, "fallback"},
		{`42`, 42.0},
	}
	for _, c := range cases {
		t.Run(c.source, func(t *testing.T) {
			expression, err := CompileExpression(c.source)
			require.NoError(t, err)
			got, err := expression.Evaluate(env)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestExpression_ShortCircuit(t *testing.T) {
	expression, err := CompileExpression(`record.flag && record.status == 'open'`)
	require.NoError(t, err)
	got, err := expression.Evaluate(map[string]any{"record": map[string]any{"flag": false}})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestCompileExpression_Invalid(t *testing.T) {
	sources := []string{
		``,
		`record.salary >`,
		`(record.salary > 1`,
		`record.owner_id record.status`,
		`lookup(record.owner_id)`,
		`record.owner_id = 'x'`,
		`'unterminated`,
		`record..owner_id`,
		`a ? b`,
		`process.exit(1)`,
	}
	for _, source := range sources {
		t.Run(source, func(t *testing.T) {
			_, err := CompileExpression(source)
			assert.ErrorIs(t, err, ErrExpressionInvalid)
		})
	}
}
