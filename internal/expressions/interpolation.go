package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// Interpolator resolves ${{...}} references in step args against the owning
// workflow. Two namespaces exist: steps.<id>.result[.<path>] reads a completed
// step's result, request[.<path>] reads the workflow's retry context.
type Interpolator struct {
	paths *PathEngine
}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{paths: NewPathEngine()}
}

// ResolveArgs returns a copy of args with every ${{...}} reference resolved.
// The input map is never mutated. A reference to a step that has not
// completed yet yields an unresolved error; see IsUnresolved.
func (interp *Interpolator) ResolveArgs(ctx context.Context, wf *schema.Workflow, args map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	resolved, err := interp.resolveValue(ctx, wf, args)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (interp *Interpolator) resolveValue(ctx context.Context, wf *schema.Workflow, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.resolveString(ctx, wf, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.resolveValue(ctx, wf, item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.resolveValue(ctx, wf, item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString scans for ${{...}} tokens. When the whole string is a single
// expression the resolved value keeps its type; embedded expressions are
// stringified in place.
func (interp *Interpolator) resolveString(ctx context.Context, wf *schema.Workflow, input string) (any, error) {
	first := strings.Index(input, "${{")
	if first == -1 {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveExpr(ctx, wf, expr)
		if err != nil {
			return nil, err
		}

		// A reference spanning the entire string keeps the resolved type.
		if i+idx == 0 && end+2 == len(input) {
			return val, nil
		}

		result.WriteString(stringifyInline(val))
		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression like "steps.gen-1.result.image_url".
func (interp *Interpolator) resolveExpr(ctx context.Context, wf *schema.Workflow, expr string) (any, error) {
	namespace, _, _ := strings.Cut(expr, ".")

	switch namespace {
	case "steps":
		return interp.resolveStepRef(ctx, wf, expr)
	case "request":
		return interp.resolveRequestRef(ctx, wf, expr)
	default:
		available := []string{"steps", "request"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveStepRef resolves steps.<id>.result[.<path>] references.
func (interp *Interpolator) resolveStepRef(ctx context.Context, wf *schema.Workflow, expr string) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, result, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<id>.result[.<path>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	if parts[2] != "result" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'result' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	step := wf.Step(stepID)
	if step == nil {
		available := stepIDs(wf)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in ${{%s}}; available steps: [%s]", stepID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	if step.Status != schema.StepCompleted || len(step.Result) == 0 {
		return nil, unresolvedErr(expr, stepID, step.Status)
	}

	var result any
	if err := json.Unmarshal(step.Result, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q result is not valid JSON", stepID).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	if len(parts) == 3 {
		return result, nil
	}
	return interp.traverse(ctx, result, parts[3], expr)
}

// resolveRequestRef resolves request[.<path>] references against the
// workflow's retry context.
func (interp *Interpolator) resolveRequestRef(ctx context.Context, wf *schema.Workflow, expr string) (any, error) {
	if len(wf.RetryContext) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: workflow carries no request context", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	var request any
	if err := json.Unmarshal(wf.RetryContext, &request); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"request context is not valid JSON").
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	_, path, found := strings.Cut(expr, ".")
	if !found || path == "" {
		return request, nil
	}
	return interp.traverse(ctx, request, path, expr)
}

// traverse applies a dot-delimited path (numeric segments index into arrays)
// to a decoded JSON value via a compiled jq query.
func (interp *Interpolator) traverse(ctx context.Context, root any, path, expr string) (any, error) {
	val, err := interp.paths.Evaluate(ctx, toJQ(path), root)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"path %q yielded no value in ${{%s}}", path, expr).
			WithDetails(map[string]any{"expression": expr, "path": path})
	}
	return val, nil
}

// toJQ converts "items.0.url" into ".items[0].url". Numeric segments index
// into arrays; non-identifier keys fall back to bracket form.
func toJQ(path string) string {
	var b strings.Builder
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		switch {
		case isDigits(seg):
			if b.Len() == 0 {
				b.WriteString(".")
			}
			b.WriteString("[" + seg + "]")
		case isIdent(seg):
			b.WriteString("." + seg)
		default:
			if b.Len() == 0 {
				b.WriteString(".")
			}
			b.WriteString(`["` + strings.ReplaceAll(seg, `"`, `\"`) + `"]`)
		}
	}
	if b.Len() == 0 {
		return "."
	}
	return b.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}

// stringifyInline converts a resolved value into its inline string form for
// embedding inside a larger string.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func stepIDs(wf *schema.Workflow) []string {
	ids := make([]string, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

// unresolvedErr marks a reference to a step that exists but has not completed
// yet. Callers may defer instead of failing; see IsUnresolved.
func unresolvedErr(expr, stepID string, status schema.StepStatus) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"step %q has no result yet (status %s) in ${{%s}}", stepID, status, expr).
		WithDetails(map[string]any{"expression": expr, "step_id": stepID, "reason": "unresolved"})
}

// IsUnresolved reports whether err is an interpolation error caused by a
// referenced step that has not produced a result yet, as opposed to a
// malformed or dangling reference.
func IsUnresolved(err error) bool {
	var engineErr *schema.EngineError
	if !errors.As(err, &engineErr) {
		return false
	}
	if engineErr.Code != schema.ErrCodeInterpolation {
		return false
	}
	reason, _ := engineErr.Details["reason"].(string)
	return reason == "unresolved"
}
