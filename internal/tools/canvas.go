package tools

import (
	"context"
	"encoding/json"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// SurfacePort is the rendering surface as seen by the surface-bound tools.
// Only an attached foreground session provides one; everything else observes
// Attached() == false and the tools defer instead of failing.
type SurfacePort interface {
	Attached() bool
	// InsertElement places a new element on the canvas and returns its id.
	InsertElement(ctx context.Context, element map[string]any) (string, error)
	// UpdateElement patches an existing element in place.
	UpdateElement(ctx context.Context, elementID string, patch map[string]any) error
}

// CanvasInsertTool places generated media onto the attached canvas.
type CanvasInsertTool struct {
	port SurfacePort
}

// NewCanvasInsertTool creates the canvas_insert tool.
func NewCanvasInsertTool(port SurfacePort) *CanvasInsertTool {
	return &CanvasInsertTool{port: port}
}

func (t *CanvasInsertTool) Name() string { return "canvas_insert" }

func (t *CanvasInsertTool) Description() string {
	return "Insert a generated media element onto the attached canvas."
}

func (t *CanvasInsertTool) RequiresSurface() bool { return true }

func (t *CanvasInsertTool) Execute(ctx context.Context, inv *Invocation) (*schema.ToolResult, error) {
	if t.port == nil || !t.port.Attached() {
		return nil, schema.ErrSurfaceNotReady()
	}

	kind := stringParam(inv.Call.Args, "type", "image")
	url := stringParam(inv.Call.Args, "url", "")
	text := stringParam(inv.Call.Args, "text", "")
	if url == "" && text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "canvas_insert: one of 'url' or 'text' is required")
	}

	element := map[string]any{
		"type": kind,
		"url":  url,
		"text": text,
		"x":    intParam(inv.Call.Args, "x", 0),
		"y":    intParam(inv.Call.Args, "y", 0),
	}
	if w := intParam(inv.Call.Args, "width", 0); w > 0 {
		element["width"] = w
	}
	if h := intParam(inv.Call.Args, "height", 0); h > 0 {
		element["height"] = h
	}
	if extra := mapParam(inv.Call.Args, "properties"); extra != nil {
		for k, v := range extra {
			element[k] = v
		}
	}

	elementID, err := t.port.InsertElement(ctx, element)
	if err != nil {
		if schema.IsSurfaceNotReady(err) {
			return nil, err
		}
		return &schema.ToolResult{Success: false, Error: err.Error()}, nil
	}

	data, merr := json.Marshal(map[string]any{
		"element_id": elementID,
		"type":       kind,
		"url":        url,
	})
	if merr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "canvas_insert: failed to marshal result").WithCause(merr)
	}
	return &schema.ToolResult{Success: true, Data: data}, nil
}

// CanvasUpdateTool patches an element the workflow placed earlier, e.g. to
// swap a placeholder for the finished media.
type CanvasUpdateTool struct {
	port SurfacePort
}

// NewCanvasUpdateTool creates the canvas_update tool.
func NewCanvasUpdateTool(port SurfacePort) *CanvasUpdateTool {
	return &CanvasUpdateTool{port: port}
}

func (t *CanvasUpdateTool) Name() string { return "canvas_update" }

func (t *CanvasUpdateTool) Description() string {
	return "Update an existing canvas element in place."
}

func (t *CanvasUpdateTool) RequiresSurface() bool { return true }

func (t *CanvasUpdateTool) Execute(ctx context.Context, inv *Invocation) (*schema.ToolResult, error) {
	if t.port == nil || !t.port.Attached() {
		return nil, schema.ErrSurfaceNotReady()
	}

	elementID := stringParam(inv.Call.Args, "element_id", "")
	if elementID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "canvas_update: missing required arg 'element_id'")
	}

	patch := mapParam(inv.Call.Args, "properties")
	if patch == nil {
		patch = map[string]any{}
	}
	if url := stringParam(inv.Call.Args, "url", ""); url != "" {
		patch["url"] = url
	}
	if text := stringParam(inv.Call.Args, "text", ""); text != "" {
		patch["text"] = text
	}
	if len(patch) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "canvas_update: nothing to update")
	}

	if err := t.port.UpdateElement(ctx, elementID, patch); err != nil {
		if schema.IsSurfaceNotReady(err) {
			return nil, err
		}
		return &schema.ToolResult{Success: false, Error: err.Error()}, nil
	}

	data, merr := json.Marshal(map[string]any{
		"element_id": elementID,
		"updated":    true,
	})
	if merr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "canvas_update: failed to marshal result").WithCause(merr)
	}
	return &schema.ToolResult{Success: true, Data: data}, nil
}
