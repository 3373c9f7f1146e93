package validation

import "github.com/rendis/flowpilot/pkg/schema"

// WorkflowValidator runs the three-stage definition pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (step references, decision steps, guards)
//  3. Graph (reachability, auto-continue cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	guards     GuardChecker
}

// NewWorkflowValidator creates a WorkflowValidator. guards may be nil to
// skip guard compilation.
func NewWorkflowValidator(guards GuardChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, guards: guards}, nil
}

// Validate runs the pipeline. Structural errors short-circuit the later
// stages, and semantic errors skip the graph stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.Check(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.guards))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

var _ Validator = (*WorkflowValidator)(nil)
