package validation

import "github.com/rendis/flowpilot/pkg/schema"

// Validator checks workflow definitions before they are cached.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// GuardChecker compiles a transition guard without evaluating it.
// *expressions.CELEngine satisfies it.
type GuardChecker interface {
	Check(expression string) error
}
