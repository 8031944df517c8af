package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/pkg/schema"
)

func TestExpr_RuleOverDataset(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"row_count": 3,
		"rows": []any{
			map[string]any{"amount": 10.0},
			map[string]any{"amount": 25.0},
			map[string]any{"amount": -1.0},
		},
	}

	out, err := e.Evaluate(ctx, `row_count > 0`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	ok, err := e.EvaluateBool(ctx, `all(rows, {.amount >= 0})`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_EmptyAndBadExpressions(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `1 +`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpr_NonBooleanVerdict(t *testing.T) {
	e := NewExprEngine()
	_, err := e.EvaluateBool(context.Background(), `1 + 1`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpr_CachesCompiledPrograms(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `x * 2`, map[string]any{"x": 21})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[`x * 2`]
	e.mu.RUnlock()
	assert.True(t, cached)
}
