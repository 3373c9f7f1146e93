package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"
	"github.com/rendis/flowpilot/pkg/schema"
)

// GoJQEngine looks up correlation fields in push payloads. Payloads come
// from several transports with differing shapes, so lookups are jq paths
// rather than fixed struct fields.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		programs: newPrograms("jq", func(src string) (*gojq.Code, error) {
			query, err := gojq.Parse(src)
			if err != nil {
				return nil, err
			}
			// No environment access from payload lookups.
			return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		}),
	}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression against data. A single output is returned
// unwrapped; several come back as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outputs, err := e.outputs(ctx, expression, data)
	if err != nil || len(outputs) == 0 {
		return nil, err
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// First returns the first output of expression that is neither null nor an
// empty string. A failing expression finds nothing.
func (e *GoJQEngine) First(ctx context.Context, expression string, data map[string]any) (any, bool) {
	outputs, err := e.outputs(ctx, expression, data)
	if err != nil {
		return nil, false
	}
	for _, out := range outputs {
		if out == nil || out == "" {
			continue
		}
		return out, true
	}
	return nil, false
}

func (e *GoJQEngine) outputs(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	input, err := jsonShape(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "payload is not JSON-shaped: %s", err.Error()).WithCause(err)
	}

	var outs []any
	it := code.RunWithContext(ctx, input)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if runErr, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, runErr)
		}
		outs = append(outs, v)
	}
	return outs, nil
}

// jsonShape round-trips data through JSON so gojq only sees the value types
// it understands (maps, slices, float64, string, bool, nil).
func jsonShape(data map[string]any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)
