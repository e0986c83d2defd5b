package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTruthyExpressions(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{
		"amount":   1500.0,
		"priority": "high",
		"approved": true,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"data.amount > 1000", true},
		{"data.amount > 2000", false},
		{"data.priority === 'high'", true},
		{"data.approved && data.amount > 100", true},
		{"data.missing === undefined", true},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(tc.expr, data)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateEmptyExpressionIsTrue(t *testing.T) {
	e := NewEvaluator()
	got, err := e.Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateSyntaxErrorFails(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("data.amount >", nil)
	require.Error(t, err)
}

func TestEvaluateSandboxBlocksDangerousGlobals(t *testing.T) {
	e := NewEvaluator()
	for _, expr := range []string{
		"typeof require !== 'undefined'",
		"typeof process !== 'undefined'",
		"typeof Buffer !== 'undefined'",
	} {
		got, err := e.Evaluate(expr, nil)
		require.NoError(t, err, expr)
		assert.False(t, got, expr)
	}
}

func TestEvaluateReusesCompiledPrograms(t *testing.T) {
	e := NewEvaluator()
	for i := 0; i < 100; i++ {
		got, err := e.Evaluate("data.n % 2 === 0", map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i%2 == 0, got)
	}
}
