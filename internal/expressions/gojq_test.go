package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/pkg/schema"
)

func TestGoJQ_FieldMapping(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.row.net * 1.21`, map[string]any{
		"row": map[string]any{"net": 100},
	})
	require.NoError(t, err)
	assert.InDelta(t, 121.0, out, 0.001)
}

func TestGoJQ_ReshapeRows(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(),
		`[.rows[] | {id: .id, total: (.qty * .price)}]`,
		map[string]any{
			"rows": []any{
				map[string]any{"id": "a", "qty": 2, "price": 5},
				map[string]any{"id": "b", "qty": 1, "price": 9},
			},
		})
	require.NoError(t, err)

	rows, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"id": "a", "total": 10.0}, rows[0])
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.xs[]`, map[string]any{
		"xs": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.[ |`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.x | keys`, map[string]any{"x": 42})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_EnvAccessBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `env | length`, map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out)
}
