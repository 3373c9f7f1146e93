package decision

import (
	"fmt"
	"strings"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Correlation fields tried, in order, to route a notification to an execution.
var correlationPaths = []string{
	".executionId",
	".execution_id",
	".workflowId",
	".workflow_id",
	".decisionId",
	".data.executionId",
}

// Keys with protocol meaning; everything else in a notification is auxiliary.
var reservedKeys = map[string]struct{}{
	"executionId": {}, "execution_id": {},
	"workflowId": {}, "workflow_id": {},
	"decisionId": {}, "decision_id": {},
	"stepId": {}, "step_id": {},
	"prompt": {}, "message": {},
	"options": {}, "timeout": {},
	"serviceType": {}, "type": {}, "data": {},
}

// signal is a notification after correlation, before merging.
type signal struct {
	executionID string
	stepID      string
	typ         schema.DecisionType
	prompt      string
	options     []schema.DecisionOption
	timeout     string
	auxiliary   map[string]any
	source      string
}

func stringField(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// parseOptions accepts [{value,label}], [{id,name}] or a plain list of values.
func parseOptions(v any) []schema.DecisionOption {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			for _, s := range ss {
				items = append(items, s)
			}
		} else {
			return nil
		}
	}

	out := make([]schema.DecisionOption, 0, len(items))
	for _, item := range items {
		switch o := item.(type) {
		case map[string]any:
			value := stringField(o, "value", "id")
			if value == "" {
				continue
			}
			out = append(out, schema.DecisionOption{Value: value, Label: stringField(o, "label", "name", "title")})
		case nil:
		default:
			s := fmt.Sprint(o)
			out = append(out, schema.DecisionOption{Value: s, Label: s})
		}
	}
	return out
}

func auxiliaryOf(data map[string]any) map[string]any {
	aux := make(map[string]any)
	for k, v := range data {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		aux[k] = expressions.CopyValue(v)
	}
	return aux
}

// unresolved reports whether an auxiliary value should be re-read from the
// live execution context.
func unresolved(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == "" || expressions.HasPlaceholder(val)
	}
	return false
}

// repairAuxiliary resolves empty or still-templated auxiliary values against
// the execution context. Values that cannot be resolved are left as they are.
func repairAuxiliary(aux, ctx map[string]any) {
	for k, v := range aux {
		if !unresolved(v) {
			continue
		}
		if s, ok := v.(string); ok && expressions.HasPlaceholder(s) {
			if r := expressions.Resolve(s, ctx); !unresolved(r) {
				aux[k] = r
				continue
			}
		}
		if direct, ok := expressions.Lookup(ctx, k); ok && !unresolved(direct) {
			aux[k] = expressions.CopyValue(direct)
		}
	}
}

func resolveOptions(opts []schema.DecisionOption, ctx map[string]any) []schema.DecisionOption {
	if len(opts) == 0 {
		return nil
	}
	out := make([]schema.DecisionOption, len(opts))
	for i, o := range opts {
		out[i] = schema.DecisionOption{
			Value: expressions.ResolveString(o.Value, ctx),
			Label: expressions.ResolveString(o.Label, ctx),
		}
	}
	return out
}
