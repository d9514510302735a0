package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator()
	require.NoError(t, err)
	return v
}

func validWorkflow() *schema.Workflow {
	now := time.Now().UTC()
	return &schema.Workflow{
		ID:     "wf-1",
		Name:   "generate",
		Status: schema.WorkflowPending,
		Steps: []*schema.Step{
			{ID: "s1", Tool: "analyze_request", Status: schema.StepPending},
			{ID: "s2", Tool: "generate_image", Status: schema.StepPending,
				Args: map[string]any{"prompt": "a red fox"}},
		},
		InitiatorContextID: "ctx-1",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestValidateWorkflow_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateWorkflow(validWorkflow()))
}

func TestValidateWorkflow_Nil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateWorkflow(nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestValidateWorkflow_SchemaViolations(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(wf *schema.Workflow)
	}{
		{"missing workflow id", func(wf *schema.Workflow) { wf.ID = "" }},
		{"no steps", func(wf *schema.Workflow) { wf.Steps = nil }},
		{"bad workflow status", func(wf *schema.Workflow) { wf.Status = "paused" }},
		{"missing step tool", func(wf *schema.Workflow) { wf.Steps[0].Tool = "" }},
		{"missing step id", func(wf *schema.Workflow) { wf.Steps[1].ID = "" }},
		{"bad step status", func(wf *schema.Workflow) { wf.Steps[0].Status = "waiting" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(wf)
			err := v.ValidateWorkflow(wf)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestValidateWorkflow_ViolationDetails(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Steps[0].Status = "bogus"

	err := v.ValidateWorkflow(wf)
	require.Error(t, err)

	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.NotEmpty(t, engineErr.Details["violations"])
}

func TestValidateWorkflow_DuplicateStepID(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Steps[1].ID = wf.Steps[0].ID

	err := v.ValidateWorkflow(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestValidateWorkflow_BatchRules(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		mutate  func(wf *schema.Workflow)
		wantErr string
	}{
		{
			name: "tags without batch id",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[0].BatchIndex = 1
				wf.Steps[0].BatchTotal = 2
			},
			wantErr: "without a batch id",
		},
		{
			name: "index out of range",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[0].BatchID = "b1"
				wf.Steps[0].BatchIndex = 2
				wf.Steps[0].BatchTotal = 2
			},
			wantErr: "out of range",
		},
		{
			name: "conflicting totals",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[0].BatchID = "b1"
				wf.Steps[0].BatchTotal = 2
				wf.Steps[1].BatchID = "b1"
				wf.Steps[1].BatchIndex = 1
				wf.Steps[1].BatchTotal = 3
			},
			wantErr: "conflicting totals",
		},
		{
			name: "duplicate index",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[0].BatchID = "b1"
				wf.Steps[0].BatchTotal = 2
				wf.Steps[1].BatchID = "b1"
				wf.Steps[1].BatchIndex = 0
				wf.Steps[1].BatchTotal = 2
			},
			wantErr: "share batch index",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(wf)
			err := v.ValidateWorkflow(wf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateWorkflow_ValidBatch(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Steps[0].BatchID = "b1"
	wf.Steps[0].BatchIndex = 0
	wf.Steps[0].BatchTotal = 2
	wf.Steps[1].BatchID = "b1"
	wf.Steps[1].BatchIndex = 1
	wf.Steps[1].BatchTotal = 2

	assert.NoError(t, v.ValidateWorkflow(wf))
}
