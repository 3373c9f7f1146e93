package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// validateSemantic checks references between parts of the definition:
// initial and final steps exist, transitions connect known steps, decision
// steps are usable, and guards compile when a checker is supplied.
func validateSemantic(def *schema.WorkflowDefinition, guards GuardChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	if !stepIDs[def.InitialStep] {
		result.AddError("initialStep", schema.ErrCodeStepNotFound,
			fmt.Sprintf("initial step %q is not defined", def.InitialStep))
	}
	for i, id := range def.FinalSteps {
		if !stepIDs[id] {
			result.AddError(fmt.Sprintf("finalSteps[%d]", i), schema.ErrCodeStepNotFound,
				fmt.Sprintf("final step %q is not defined", id))
		}
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], fmt.Sprintf("steps[%d]", i), result)
	}

	for i, tr := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if !stepIDs[tr.From] {
			result.AddError(path+".from", schema.ErrCodeStepNotFound,
				fmt.Sprintf("references non-existent step %q", tr.From))
		}
		if !stepIDs[tr.To] {
			result.AddError(path+".to", schema.ErrCodeStepNotFound,
				fmt.Sprintf("references non-existent step %q", tr.To))
		}
		if tr.When != "" && guards != nil {
			if err := guards.Check(tr.When); err != nil {
				result.AddError(path+".when", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	return result
}

func validateStep(step *schema.Step, path string, result *schema.ValidationResult) {
	if step.Kind == schema.StepKindDecision && !step.RequiresUserDecision {
		result.AddWarning(path+".requiresUserDecision", schema.ErrCodeValidation,
			"decision step without requiresUserDecision; treated as a decision step")
	}

	if step.IsDecision() {
		if strings.TrimSpace(step.DecisionPrompt) == "" {
			result.AddWarning(path+".decisionPrompt", schema.ErrCodeValidation,
				"decision step has no prompt")
		}
		seen := make(map[string]bool, len(step.DecisionOptions))
		for j, opt := range step.DecisionOptions {
			if seen[opt.Value] {
				result.AddError(fmt.Sprintf("%s.decisionOptions[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("duplicate option value %q", opt.Value))
			}
			seen[opt.Value] = true
		}
	} else if len(step.DecisionOptions) > 0 {
		result.AddWarning(path+".decisionOptions", schema.ErrCodeValidation,
			"options on a non-decision step are ignored")
	}

	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", step.Timeout))
		} else if !step.IsDecision() {
			result.AddWarning(path+".timeout", schema.ErrCodeValidation,
				"timeout only applies to decision steps")
		}
	}
}
