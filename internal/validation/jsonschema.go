package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow record validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aitu.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps", "status"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "status": {
      "type": "string",
      "enum": ["pending", "running", "completed", "failed", "cancelled"]
    },
    "initiator_context_id": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" },
    "completed_at": { "type": "string" },
    "retry_context": {},
    "retry_task_ids": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "tool", "status"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "tool": { "type": "string", "minLength": 1 },
        "args": { "type": "object" },
        "status": {
          "type": "string",
          "enum": ["pending", "running", "pending_foreground", "completed", "failed", "skipped"]
        },
        "result": {},
        "error": { "type": "string" },
        "duration_ms": { "type": "integer", "minimum": 0 },
        "started_at": { "type": "string" },
        "options": { "type": "object" },
        "batch_id": { "type": "string" },
        "batch_index": { "type": "integer", "minimum": 0 },
        "batch_total": { "type": "integer", "minimum": 1 },
        "task_id": { "type": "string" },
        "stream_text": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// WorkflowValidator implements Validator using JSON Schema Draft 2020-12.
// Safe for concurrent use: the schema is compiled once at construction.
type WorkflowValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewWorkflowValidator compiles the workflow record schema.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://aitu.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://aitu.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &WorkflowValidator{workflowSchema: compiled}, nil
}

// ValidateWorkflow checks a workflow record against the JSON Schema, then
// applies the structural rules the schema cannot express: unique step ids
// and batch tag consistency.
func (v *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return checkStructure(wf)
}

// checkStructure enforces uniqueness and batch coherence across steps.
func checkStructure(wf *schema.Workflow) error {
	seen := make(map[string]struct{}, len(wf.Steps))
	batchTotals := make(map[string]int)
	batchIndexes := make(map[string]map[int]string)

	for _, step := range wf.Steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		if step.BatchID == "" {
			if step.BatchIndex != 0 || step.BatchTotal != 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q carries batch tags without a batch id", step.ID).WithStep(step.ID)
			}
			continue
		}

		if step.BatchTotal <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q in batch %q has no batch total", step.ID, step.BatchID).WithStep(step.ID)
		}
		if step.BatchIndex < 0 || step.BatchIndex >= step.BatchTotal {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q batch index %d out of range [0,%d)", step.ID, step.BatchIndex, step.BatchTotal).WithStep(step.ID)
		}
		if prev, ok := batchTotals[step.BatchID]; ok && prev != step.BatchTotal {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"batch %q declares conflicting totals %d and %d", step.BatchID, prev, step.BatchTotal)
		}
		batchTotals[step.BatchID] = step.BatchTotal

		if batchIndexes[step.BatchID] == nil {
			batchIndexes[step.BatchID] = make(map[int]string)
		}
		if other, ok := batchIndexes[step.BatchID][step.BatchIndex]; ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"steps %q and %q share batch index %d in batch %q", other, step.ID, step.BatchIndex, step.BatchID)
		}
		batchIndexes[step.BatchID][step.BatchIndex] = step.ID
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into a single
// VALIDATION_ERROR carrying per-location violation details.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the error tree and gathers leaf messages with
// their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*WorkflowValidator)(nil)
