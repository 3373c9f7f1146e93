package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowpilot/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEngine_Guards(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"context":  map[string]any{"balance": 50.0},
		"decision": map[string]any{"value": "yes"},
	}

	ok, err := eng.EvaluateBool(ctx, `decision.value == "yes"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.EvaluateBool(ctx, `context.balance > 100.0`, data)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eng.EvaluateBool(ctx, "", nil)
	require.NoError(t, err)
	assert.True(t, ok, "empty guard is always true")

	_, err = eng.EvaluateBool(ctx, `context.balance`, data)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	err = eng.Check(`context.balance >`)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCELEngine_MissingVariableDefaultsToEmptyMap(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := eng.EvaluateBool(context.Background(), `!("value" in decision)`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExprEngine_Effects(t *testing.T) {
	eng := NewExprEngine()
	data := map[string]any{"price": 12.5, "seats": 2, "movie": map[string]any{"title": "Dune"}}

	delta, err := eng.EvaluateEffects(context.Background(), map[string]string{
		"total":   "price * seats",
		"summary": `movie.title + " x" + string(seats)`,
		"coupon":  `coupon ?? "none"`,
	}, data)
	require.NoError(t, err)
	assert.Equal(t, 25.0, delta["total"])
	assert.Equal(t, "Dune x2", delta["summary"])
	assert.Equal(t, "none", delta["coupon"])
}

func TestExprEngine_Errors(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = eng.EvaluateEffects(context.Background(), map[string]string{"bad": "1 +"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGoJQEngine_First(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()
	data := map[string]any{
		"workflowId": "",
		"decisionId": "exec-1_select",
		"data":       map[string]any{"executionId": "exec-2"},
		"count":      3,
	}

	v, ok := eng.First(ctx, ".decisionId", data)
	assert.True(t, ok)
	assert.Equal(t, "exec-1_select", v)

	_, ok = eng.First(ctx, ".workflowId", data)
	assert.False(t, ok, "empty strings are skipped")

	v, ok = eng.First(ctx, ".data.executionId", data)
	assert.True(t, ok)
	assert.Equal(t, "exec-2", v)

	_, ok = eng.First(ctx, ".missing.deeper", data)
	assert.False(t, ok)

	v, err := eng.Evaluate(ctx, ".count + 1", data)
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	_, err := NewGoJQEngine().Evaluate(context.Background(), ".[", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
