package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Guard variables. Each is a map(string, dyn):
//   - context:  the execution context after the step's effects
//   - step:     the step being left (id, kind)
//   - decision: the submitted decision, empty when none
var guardVars = []string{"context", "step", "decision"}

// CELEngine evaluates transition guards.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	decls := make([]cel.EnvOption, len(guardVars))
	for i, name := range guardVars {
		decls[i] = cel.Variable(name, cel.MapType(cel.StringType, cel.DynType))
	}
	env, err := cel.NewEnv(decls...)
	if err != nil {
		return nil, fmt.Errorf("guard environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newPrograms("cel", func(src string) (cel.Program, error) {
		ast, iss := env.Compile(src)
		if err := iss.Err(); err != nil {
			return nil, err
		}
		return env.Program(ast)
	})
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	val, _, err := prg.ContextEval(ctx, guardActivation(data))
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return val.Value(), nil
}

// EvaluateBool evaluates a guard. The empty guard matches.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	val, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	matched, isBool := val.(bool)
	if !isBool {
		return false, schema.NewErrorf(schema.ErrCodeExpression, "guard %q yields %T, not bool", expression, val)
	}
	return matched, nil
}

// Check reports whether expression compiles.
func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// guardActivation binds every guard variable, substituting an empty map for
// absent ones so `"value" in decision` works before any decision exists.
func guardActivation(data map[string]any) map[string]any {
	act := make(map[string]any, len(guardVars))
	for _, name := range guardVars {
		v := data[name]
		if v == nil {
			v = map[string]any{}
		}
		act[name] = v
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
