package coorderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesChain(t *testing.T) {
	base := ErrVersionConflict
	wrapped := Wrap(fmt.Errorf("saving workflow: %w", base), CategoryDatabase, CodeVersionConflict, "workflow update lost race")

	assert.True(t, errors.Is(wrapped, ErrVersionConflict))
	assert.Equal(t, CategoryDatabase, CategoryOf(wrapped))
	assert.Equal(t, CodeVersionConflict, CodeOf(wrapped))
	assert.NotEmpty(t, wrapped.Reference)
}

func TestCategoryOfPlainError(t *testing.T) {
	assert.Equal(t, CategoryInternal, CategoryOf(errors.New("boom")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestCategoryOfNestedError(t *testing.T) {
	inner := New(CategoryTimeout, CodeServiceUnavailable, "llm call timed out")
	outer := fmt.Errorf("dispatch: %w", inner)

	assert.Equal(t, CategoryTimeout, CategoryOf(outer))
	assert.Equal(t, inner.Reference, ReferenceOf(outer))
}

func TestToEnvelopeVerbose(t *testing.T) {
	err := New(CategoryValidation, CodeInvalidRequest, "workflow type missing").
		WithDetails(map[string]interface{}{"field": "type"})

	env := ToEnvelope(err, true)
	require.False(t, env.Success)
	assert.Equal(t, "workflow type missing", env.Error.Message)
	assert.Equal(t, CodeInvalidRequest, env.Error.Code)
	assert.Equal(t, err.Reference, env.Error.Reference)
	assert.Equal(t, "type", env.Error.Details["field"])
	assert.NotEmpty(t, env.Error.Stack)
}

func TestToEnvelopeProductionHidesDetails(t *testing.T) {
	err := New(CategoryDatabase, CodeVersionConflict, "update conflicted").
		WithDetails(map[string]interface{}{"workflowId": "wf-1"})

	env := ToEnvelope(err, false)
	assert.Empty(t, env.Error.Details)
	assert.Empty(t, env.Error.Stack)
	assert.Equal(t, err.Reference, env.Error.Reference)
}

func TestWithSeverity(t *testing.T) {
	err := New(CategoryCritical, CodeMaxAttemptsExceeded, "worker unrecoverable").WithSeverity(SeverityCritical)
	assert.Equal(t, SeverityCritical, err.Severity)
}

func TestNewReferenceShape(t *testing.T) {
	ref := NewReference()
	assert.Len(t, ref, 8)
	assert.NotEqual(t, ref, NewReference())
}
