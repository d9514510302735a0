package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

const maxVariants = 4

// AnalyzeRequestTool inspects a generation request and fans it out into
// concrete generation and canvas-insert steps on the same workflow via an
// add_steps command. The analysis step itself completes once the plan is
// emitted.
type AnalyzeRequestTool struct{}

// NewAnalyzeRequestTool creates the analyze_request tool.
func NewAnalyzeRequestTool() *AnalyzeRequestTool {
	return &AnalyzeRequestTool{}
}

func (t *AnalyzeRequestTool) Name() string { return "analyze_request" }

func (t *AnalyzeRequestTool) Description() string {
	return "Plan a generation request into concrete generation and canvas steps."
}

func (t *AnalyzeRequestTool) RequiresSurface() bool { return false }

func (t *AnalyzeRequestTool) Execute(ctx context.Context, inv *Invocation) (*schema.ToolResult, error) {
	prompt := stringParam(inv.Call.Args, "prompt", "")
	if prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "analyze_request: missing required arg 'prompt'")
	}

	mediaType := stringParam(inv.Call.Args, "media_type", "image")
	genTool := "generate_image"
	mediaKey := "image_url"
	if mediaType == "video" {
		genTool = "generate_video"
		mediaKey = "video_url"
	}

	count := intParam(inv.Call.Args, "count", 1)
	if count < 1 {
		count = 1
	}
	if count > maxVariants {
		count = maxVariants
	}

	refs := stringSliceParam(inv.Call.Args, "reference_images")
	insert := boolParam(inv.Call.Args, "insert_to_canvas", true)

	// Step ids derive from the analysis step so a retry regenerates the
	// same ids and the task-id hints line up.
	steps := make([]*schema.Step, 0, count*2)
	for i := 1; i <= count; i++ {
		variantPrompt := prompt
		if count > 1 {
			variantPrompt = fmt.Sprintf("%s (variation %d of %d)", prompt, i, count)
		}

		genID := fmt.Sprintf("%s-gen-%d", inv.StepID, i)
		genArgs := map[string]any{"prompt": variantPrompt}
		if len(refs) > 0 {
			genArgs["reference_images"] = refs
		}
		steps = append(steps, &schema.Step{
			ID:   genID,
			Tool: genTool,
			Args: genArgs,
		})

		if insert {
			steps = append(steps, &schema.Step{
				ID:   fmt.Sprintf("%s-ins-%d", inv.StepID, i),
				Tool: "canvas_insert",
				Args: map[string]any{
					"type": mediaType,
					"url":  fmt.Sprintf("${{steps.%s.result.%s}}", genID, mediaKey),
				},
			})
		}
	}

	inv.Emit(schema.AddStepsCommand(steps...))

	data, err := json.Marshal(map[string]any{
		"media_type": mediaType,
		"variants":   count,
		"planned":    len(steps),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "analyze_request: failed to marshal result").WithCause(err)
	}
	return &schema.ToolResult{Success: true, Data: data}, nil
}
