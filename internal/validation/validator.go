package validation

import "github.com/ljquan/aitu-sub000/pkg/schema"

// Validator checks externally built workflow records before the engine
// accepts them. Implementations use JSON Schema Draft 2020-12 plus the
// structural checks a schema cannot express.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
}
