package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowpilot/pkg/schema"
)

//go:embed definition.schema.json
var definitionSchema []byte

const definitionSchemaURL = "https://flowpilot.dev/schemas/definition.json"

// JSONSchemaValidator checks the shape of a definition (draft 2020-12).
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(definitionSchema))
	if err != nil {
		return nil, fmt.Errorf("definition schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("definition schema: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("definition schema: %w", err)
	}
	return &JSONSchemaValidator{schema: compiled}, nil
}

// Check reports every structural problem in def, one issue per failing
// leaf of the schema, plus duplicate step ids.
func (v *JSONSchemaValidator) Check(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	// The validator wants json.Number for numbers, hence the round trip.
	raw, err := json.Marshal(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition does not serialize: "+err.Error())
		return result
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if err := v.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		addLeaves(result, verr)
	}

	first := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if prev, dup := first[step.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first at steps[%d])", step.ID, prev))
			continue
		}
		first[step.ID] = i
	}
	return result
}

// ValidateDefinition implements Validator.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Check(def).ToError()
}

// addLeaves records the innermost causes of verr; the outer nodes only say
// "validation failed".
func addLeaves(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			addLeaves(result, cause)
		}
		return
	}
	result.AddError("/"+strings.Join(verr.InstanceLocation, "/"), schema.ErrCodeValidation, verr.Error())
}
