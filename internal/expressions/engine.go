package expressions

import (
	"context"
	"sync"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Engine evaluates expressions against a data map.
// CEL guards transitions, expr computes step effects, jq extracts
// correlation fields from notifications.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programs memoizes compiled expressions. Definitions reuse the same
// handful of guards and effects for every execution, so each is compiled
// once per process.
type programs[P any] struct {
	lang    string
	compile func(string) (P, error)
	cache   sync.Map // expression -> P
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{lang: lang, compile: compile}
}

func (p *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", p.lang)
	}
	if cached, ok := p.cache.Load(expression); ok {
		return cached.(P), nil
	}
	prg, err := p.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", p.lang, expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	actual, _ := p.cache.LoadOrStore(expression, prg)
	return actual.(P), nil
}

// evalError wraps a runtime failure of expression.
func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: evaluating %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
