package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].timeout", ErrCodeValidation, "timeout is advisory")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeAndToError(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("initialStep", ErrCodeStepNotFound, "unknown step \"nope\"")

	r2 := &ValidationResult{}
	r2.AddError("transitions[0].to", ErrCodeStepNotFound, "unknown step \"gone\"")
	r2.AddWarning("", ErrCodeValidation, "no transitions")

	r1.Merge(r2)
	r1.Merge(nil)
	require.Len(t, r1.Errors, 2)
	require.Len(t, r1.Warnings, 1)

	err := r1.ToError()
	require.Error(t, err)

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Message, "2 errors")
	assert.Contains(t, fe.Message, "transitions[0].to")
}

func TestValidationResult_SingleErrorMessage(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("finalSteps", ErrCodeValidation, "at least one final step is required")

	err := r.ToError()
	require.Error(t, err)
	assert.Equal(t, "[VALIDATION_ERROR] finalSteps: at least one final step is required", err.Error())
}
