package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates step effects: small expressions producing the values
// an authority writes into the context delta. Context keys are top-level
// variables; undefined ones read as nil so effects can use ?? defaults.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		programs: newPrograms("expr", func(src string) (*vm.Program, error) {
			return expr.Compile(src, expr.AllowUndefinedVariables())
		}),
	}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// EvaluateEffects computes a step's delta. Every effect sees the same input,
// and one failure discards the whole delta.
func (e *ExprEngine) EvaluateEffects(ctx context.Context, effects map[string]string, data map[string]any) (map[string]any, error) {
	delta := make(map[string]any, len(effects))
	for key, src := range effects {
		v, err := e.Evaluate(ctx, src, data)
		if err != nil {
			return nil, err
		}
		delta[key] = v
	}
	return delta, nil
}

var _ Engine = (*ExprEngine)(nil)
